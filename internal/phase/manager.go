package phase

// Standard phase names.
const (
	Receive             = "receive"
	PreStream           = "pre-stream"
	UserStream          = "user-stream"
	PostStream          = "post-stream"
	Read                = "read"
	PreProtocol         = "pre-protocol"
	PreProtocolFrontend = "pre-protocol-frontend"
	UserProtocol        = "user-protocol"
	PostProtocol        = "post-protocol"
	Unmarshal           = "unmarshal"
	PreLogical          = "pre-logical"
	UserLogical         = "user-logical"
	PostLogical         = "post-logical"
	PreInvoke           = "pre-invoke"
	Invoke              = "invoke"
	PostInvoke          = "post-invoke"

	Setup             = "setup"
	PreMarshal        = "pre-marshal"
	Marshal           = "marshal"
	PostMarshal       = "post-marshal"
	Write             = "write"
	PrepareSend       = "prepare-send"
	Send              = "send"
	PreStreamEnding   = "pre-stream-ending"
	UserStreamEnding  = "user-stream-ending"
	PostStreamEnding  = "post-stream-ending"
	WriteEnding       = "write-ending"
	PrepareSendEnding = "prepare-send-ending"
	SetupEnding       = "setup-ending"
)

var inPhases = []string{
	Receive,
	PreStream,
	UserStream,
	PostStream,
	Read,
	PreProtocol,
	PreProtocolFrontend,
	UserProtocol,
	PostProtocol,
	Unmarshal,
	PreLogical,
	UserLogical,
	PostLogical,
	PreInvoke,
	Invoke,
	PostInvoke,
}

var outPhases = []string{
	Setup,
	PreLogical,
	UserLogical,
	PostLogical,
	PrepareSend,
	PreStream,
	PreProtocol,
	PreProtocolFrontend,
	UserProtocol,
	PostProtocol,
	UserStream,
	PostStream,
	Write,
	PreMarshal,
	Marshal,
	PostMarshal,
	Send,
	WriteEnding,
	PostStreamEnding,
	UserStreamEnding,
	PreStreamEnding,
	PrepareSendEnding,
	SetupEnding,
}

// Manager holds the phase sets for the inbound and outbound chains.
// Sets are built once and shared read-only.
type Manager struct {
	in  *Set
	out *Set
}

// NewManager creates a manager from explicit phase sets.
func NewManager(in, out *Set) *Manager {
	return &Manager{in: in, out: out}
}

// DefaultManager returns a manager with the standard inbound and outbound phases.
func DefaultManager() *Manager {
	return &Manager{
		in:  MustSet(inPhases...),
		out: MustSet(outPhases...),
	}
}

// InPhases returns the phases used for inbound and inbound fault chains.
func (m *Manager) InPhases() *Set {
	return m.in
}

// OutPhases returns the phases used for outbound and outbound fault chains.
func (m *Manager) OutPhases() *Set {
	return m.out
}
