package sanitize

// ItemKind discriminates the closed set of raw output shapes a kernel can
// emit. Modeling this as a tagged variant keeps the sanitizer's priority
// and conversion logic exhaustive.
type ItemKind string

const (
	// KindStream is a chunk of stdout or stderr text.
	KindStream ItemKind = "stream"
	// KindResult is the value of the last expression (a mime bundle).
	KindResult ItemKind = "result"
	// KindDisplay is an explicit display call (a mime bundle).
	KindDisplay ItemKind = "display"
	// KindError is an exception with a traceback.
	KindError ItemKind = "error"
)

// Item is one raw output fragment handed to the sanitizer.
type Item struct {
	Kind       ItemKind
	StreamName string            // stdout or stderr, for KindStream
	Text       string            // for KindStream
	Data       map[string]string // mime -> payload, for KindResult / KindDisplay
	Ename      string            // for KindError
	Evalue     string
	Traceback  []string
}

// Output is the cleaned, size-bounded representation of one fragment. It is
// both what pollers see and what gets written back into the notebook.
type Output struct {
	Kind       ItemKind `json:"kind"`
	StreamName string   `json:"stream,omitempty"`
	Mime       string   `json:"mime,omitempty"`
	Text       string   `json:"text"`
	// AssetRef names the stored full payload when the inline text is a
	// truncated or offloaded view.
	AssetRef  string   `json:"asset_ref,omitempty"`
	Truncated bool     `json:"truncated,omitempty"`
	Ename     string   `json:"ename,omitempty"`
	Evalue    string   `json:"evalue,omitempty"`
	Traceback []string `json:"traceback,omitempty"`
}
