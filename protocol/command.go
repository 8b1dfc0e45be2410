package protocol

// ChannelFDEnv is the environment variable telling a process worker which descriptor its channel is on.
const ChannelFDEnv = "HEADLESS_CHANNEL_FD"

// Command names a supervisor-side handler a worker can invoke.
type Command string

const (
	CommandGet      Command = "get"
	CommandPost     Command = "post"
	CommandDownload Command = "download"
	CommandExec     Command = "exec"
	CommandOut      Command = "out"
	CommandKill     Command = "kill"
	CommandLog      Command = "log"
	CommandBox      Command = "box"
)

// Commands lists every command in the vocabulary.
var Commands = []Command{
	CommandGet,
	CommandPost,
	CommandDownload,
	CommandExec,
	CommandOut,
	CommandKill,
	CommandLog,
	CommandBox,
}

// Acknowledged reports whether data frames for this command always get a response.
func (c Command) Acknowledged() bool {
	return c == CommandLog || c == CommandBox
}
