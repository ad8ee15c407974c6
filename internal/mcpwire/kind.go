package mcpwire

import "github.com/mark3labs/mcp-go/mcp"

// Method names the bridge treats specially.
const (
	MethodInitialize  = string(mcp.MethodInitialize)
	MethodInitialized = "notifications/initialized"
	MethodToolsList   = string(mcp.MethodToolsList)
	MethodToolsCall   = string(mcp.MethodToolsCall)
)

// Kind is the closed set of message shapes the router dispatches on.
type Kind int

const (
	KindRequest Kind = iota
	KindNotification
	KindResponse
	KindInitialize
	KindInitialized
	KindToolsList
	KindToolsCall
)

// Kinds lists every Kind, in declaration order.
var Kinds = []Kind{KindRequest, KindNotification, KindResponse, KindInitialize, KindInitialized, KindToolsList, KindToolsCall}

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindNotification:
		return "notification"
	case KindResponse:
		return "response"
	case KindInitialize:
		return "initialize"
	case KindInitialized:
		return "initialized"
	case KindToolsList:
		return "tools_list"
	case KindToolsCall:
		return "tools_call"
	default:
		return "unknown"
	}
}

// Classify maps a message onto its Kind. Named methods win over the
// presence of an id so a tools/call without id is still policed.
func Classify(m *Message) Kind {
	switch m.Method {
	case "":
		return KindResponse
	case MethodInitialize:
		return KindInitialize
	case MethodInitialized:
		return KindInitialized
	case MethodToolsList:
		return KindToolsList
	case MethodToolsCall:
		return KindToolsCall
	}
	if m.HasID() {
		return KindRequest
	}
	return KindNotification
}
