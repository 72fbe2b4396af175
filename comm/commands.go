package comm

func NewRampMessage() Message {
	return Message{Kind: Ramp}
}

func NewArgMessage(value float64) Message {
	return Message{Kind: Arg, Value: value}
}

func NewInterruptMessage() Message {
	return Message{Kind: Interrupt}
}

func NewFinishMessage() Message {
	return Message{Kind: Finish}
}

func NewRawMessage(text string) Message {
	return Message{Kind: Raw, Text: text}
}

func NewReply(kind ReplyKind) Reply {
	return Reply{Kind: kind}
}

func NewRampFailedReply(text string) Reply {
	return Reply{Kind: RampFailed, Text: text}
}

func NewUnknownReply(token string) Reply {
	return Reply{Kind: Unknown, Text: token}
}
