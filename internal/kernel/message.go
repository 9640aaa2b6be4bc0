package kernel

// Message is one parsed line from the kernel shim's stdout. Every message
// produced while code runs carries the correlation id of the request that
// caused it in Parent.
type Message struct {
	Parent    string            `json:"parent,omitempty"`
	Type      string            `json:"type"`
	Name      string            `json:"name,omitempty"`  // stream name for type=stream
	Text      string            `json:"text,omitempty"`  // stream text
	Data      map[string]string `json:"data,omitempty"`  // mime bundle for display_data / execute_result
	Ename     string            `json:"ename,omitempty"` // error fields
	Evalue    string            `json:"evalue,omitempty"`
	Traceback []string          `json:"traceback,omitempty"`
	State     string            `json:"state,omitempty"` // for type=status: "busy" or "idle"
}

// Message types emitted by the shim.
const (
	MsgHello         = "hello"
	MsgStream        = "stream"
	MsgDisplayData   = "display_data"
	MsgExecuteResult = "execute_result"
	MsgError         = "error"
	MsgStatus        = "status"
	MsgDescribe      = "describe_result"
)

// StateIdle on a status message marks the correlated execution as finished.
const StateIdle = "idle"

// request is one line written to the shim's stdin.
type request struct {
	ID   string `json:"id"`
	Op   string `json:"op"`
	Code string `json:"code,omitempty"`
	Name string `json:"name,omitempty"`
}

const (
	opExecute  = "execute"
	opDescribe = "describe"
)
