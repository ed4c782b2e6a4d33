package domscripts

// Version tags the script set as a whole. Bump it whenever a selector walk
// changes shape, so logs from mixed deployments can be told apart.
const Version = "2026.08.1"

// Script pairs a probe name with its source for diagnostics endpoints and the
// doctor command. Parameterized actions (ClickByText and friends) are not
// listed; they are rendered per call.
type Script struct {
	Name   string
	Source string
}

var registry = []Script{
	{Name: "stop-button-probe", Source: StopButtonProbe},
	{Name: "quota-probe", Source: QuotaProbe},
	{Name: "response-text-legacy", Source: ResponseTextLegacy},
	{Name: "structured-segments", Source: StructuredSegments},
	{Name: "process-log", Source: ProcessLog},
	{Name: "latest-user-message", Source: LatestUserMessage},
	{Name: "approval-prompt", Source: ApprovalPrompt},
	{Name: "planning-prompt", Source: PlanningPrompt},
	{Name: "plan-content", Source: PlanContent},
	{Name: "error-popup", Source: ErrorPopup},
	{Name: "chat-title", Source: ChatTitle},
	{Name: "read-clipboard", Source: ReadClipboard},
	{Name: "attachment-input-probe", Source: AttachmentInputProbe},
	{Name: "focus-input", Source: FocusInput},
	{Name: "stop-click", Source: StopClick},
	{Name: "open-past-conversations", Source: OpenPastConversations},
	{Name: "new-conversation", Source: NewConversation},
}

// All returns the registered probe scripts in a stable order.
func All() []Script {
	out := make([]Script, len(registry))
	copy(out, registry)
	return out
}

// Lookup returns the script registered under name.
func Lookup(name string) (Script, bool) {
	for _, s := range registry {
		if s.Name == name {
			return s, true
		}
	}
	return Script{}, false
}
