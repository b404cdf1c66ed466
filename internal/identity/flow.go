package identity

import (
	"strings"

	"github.com/tidwall/gjson"

	"github.com/kuitang/settings-e2e/internal/errs"
)

// Message ids the identity service attaches to flows. The settings UI renders
// them as data-testid="ui/message/<id>".
const (
	MsgSettingsSaved        = 1050001
	MsgEmailVerified        = 1080002
	MsgInvalidCredentials   = 4000006
	MsgDuplicateIdentifier  = 4000007
	MsgPasswordPolicyFailed = 4000032
)

// Flow is the subset of a self-service flow the harness needs.
type Flow struct {
	ID       string
	Action   string
	Method   string
	Nodes    []Node
	Messages []Message
}

// Node is one form field of a flow.
type Node struct {
	Group string
	Type  string
	Name  string
	Value gjson.Result
}

// Message is a UI message on a flow or on one of its nodes.
type Message struct {
	ID   int64
	Type string
	Text string
}

// ParseFlow decodes a flow document.
func ParseFlow(body []byte) (*Flow, error) {
	if !gjson.ValidBytes(body) {
		return nil, errs.New(errs.InvalidArgument, "identity: flow body is not JSON")
	}
	doc := gjson.ParseBytes(body)
	ui := doc.Get("ui")
	if !ui.Exists() {
		return nil, errs.New(errs.InvalidArgument, "identity: flow has no ui")
	}

	flow := &Flow{
		ID:     doc.Get("id").String(),
		Action: ui.Get("action").String(),
		Method: strings.ToUpper(ui.Get("method").String()),
	}
	if flow.Action == "" {
		return nil, errs.New(errs.InvalidArgument, "identity: flow has no action")
	}

	ui.Get("nodes").ForEach(func(_, n gjson.Result) bool {
		flow.Nodes = append(flow.Nodes, Node{
			Group: n.Get("group").String(),
			Type:  n.Get("type").String(),
			Name:  n.Get("attributes.name").String(),
			Value: n.Get("attributes.value"),
		})
		n.Get("messages").ForEach(func(_, m gjson.Result) bool {
			flow.Messages = append(flow.Messages, parseMessage(m))
			return true
		})
		return true
	})
	ui.Get("messages").ForEach(func(_, m gjson.Result) bool {
		flow.Messages = append(flow.Messages, parseMessage(m))
		return true
	})
	return flow, nil
}

func parseMessage(m gjson.Result) Message {
	return Message{
		ID:   m.Get("id").Int(),
		Type: m.Get("type").String(),
		Text: m.Get("text").String(),
	}
}

// CSRFToken returns the flow's csrf_token value; API flows have none.
func (f *Flow) CSRFToken() string {
	for _, n := range f.Nodes {
		if n.Name == "csrf_token" {
			return n.Value.String()
		}
	}
	return ""
}

// HasMessage reports whether any flow or node message carries id.
func (f *Flow) HasMessage(id int64) bool {
	for _, m := range f.Messages {
		if m.ID == id {
			return true
		}
	}
	return false
}

// FirstError returns the first error-typed message, if any.
func (f *Flow) FirstError() (Message, bool) {
	for _, m := range f.Messages {
		if m.Type == "error" {
			return m, true
		}
	}
	return Message{}, false
}

// TraitsFromFields turns form-style keys ("traits.website") into a nested traits document.
// Keys without the traits prefix are ignored.
func TraitsFromFields(fields map[string]any) map[string]any {
	traits := map[string]any{}
	for key, value := range fields {
		path, ok := strings.CutPrefix(key, "traits.")
		if !ok || path == "" {
			continue
		}
		setPath(traits, strings.Split(path, "."), value)
	}
	return traits
}

func setPath(doc map[string]any, path []string, value any) {
	for _, seg := range path[:len(path)-1] {
		child, ok := doc[seg].(map[string]any)
		if !ok {
			child = map[string]any{}
			doc[seg] = child
		}
		doc = child
	}
	doc[path[len(path)-1]] = value
}
