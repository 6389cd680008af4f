package client

type State int32

const (
	Disconnected State = iota
	Connecting
	Connected

	// ClosingByUser is terminal, it is entered by Quit and never left.
	ClosingByUser
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case ClosingByUser:
		return "closing-by-user"
	default:
		return "unknown"
	}
}
