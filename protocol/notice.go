package protocol

// Notice messages emitted by the supervisor itself.
const (
	NoticeExited     = "Exited"
	NoticeRespawning = "Respawning"
	NoticeFileExists = "File exists"
	NoticeStreamEnd  = "Stream end"
)

// NoticeArgs is the args shape of a synthetic progress notice.
// Progress is nil when the notice carries no progress information.
type NoticeArgs struct {
	Error    any    `json:"error"`
	Message  string `json:"message"`
	Progress *int   `json:"progress"`
}

// Notice is a data payload generated by the supervisor rather than the worker.
type Notice struct {
	Args NoticeArgs `json:"args"`
}

// NewNotice builds a notice. A negative progress is encoded as null.
func NewNotice(lastErr any, message string, progress int) Notice {
	n := Notice{Args: NoticeArgs{Error: lastErr, Message: message}}
	if progress >= 0 {
		p := progress
		n.Args.Progress = &p
	}
	return n
}

// ExitNotice is sent to the observer when the worker exits.
func ExitNotice(lastErr any) Notice { return NewNotice(lastErr, NoticeExited, 100) }

// RespawnNotice is sent to the observer before a perpetual task list is relaunched.
func RespawnNotice(lastErr any) Notice { return NewNotice(lastErr, NoticeRespawning, 0) }
