// ABOUTME: Wire types for the Cody agent protocol: initialize handshake, recipes, chat updates
// ABOUTME: Field names follow the agent's camelCase JSON

package agent

// Agent protocol methods.
const (
	MethodInitialize     = "initialize"
	MethodShutdown       = "shutdown"
	MethodExit           = "exit"
	MethodRecipesList    = "recipes/list"
	MethodRecipesExecute = "recipes/execute"

	// NotificationChatUpdate streams the in-progress assistant message while
	// a recipe executes.
	NotificationChatUpdate = "chat/updateMessageInProgress"
)

// ChatStreaming advertises support for chat update notifications.
const ChatStreaming = "streaming"

// ConnectionConfiguration tells the agent how to reach the instance.
type ConnectionConfiguration struct {
	ServerEndpoint string            `json:"serverEndpoint"`
	AccessToken    string            `json:"accessToken"`
	CustomHeaders  map[string]string `json:"customHeaders"`
}

// ClientCapabilities lists optional protocol features the editor handles.
type ClientCapabilities struct {
	Completions string `json:"completions,omitempty"`
	Chat        string `json:"chat,omitempty"`
}

// ClientInfo is the initialize request payload.
type ClientInfo struct {
	Name                    string                   `json:"name"`
	Version                 string                   `json:"version"`
	WorkspaceRootPath       string                   `json:"workspaceRootPath"`
	ConnectionConfiguration *ConnectionConfiguration `json:"connectionConfiguration,omitempty"`
	Capabilities            *ClientCapabilities      `json:"capabilities,omitempty"`
}

// ServerInfo is the initialize response payload.
type ServerInfo struct {
	Name string `json:"name"`
}

// RecipeInfo describes one recipe the agent can execute.
type RecipeInfo struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// ExecuteRecipeParams is the recipes/execute request payload.
type ExecuteRecipeParams struct {
	ID             string `json:"id"`
	HumanChatInput string `json:"humanChatInput"`
}

// Chat speakers.
const (
	SpeakerHuman     = "human"
	SpeakerAssistant = "assistant"
)

// ContextFile is a file the agent used as context for a chat answer.
type ContextFile struct {
	FileName string `json:"fileName"`
	RepoName string `json:"repoName,omitempty"`
	Revision string `json:"revision,omitempty"`
}

// ChatMessage is the payload of a chat update notification.
type ChatMessage struct {
	Speaker      string        `json:"speaker"`
	Text         string        `json:"text,omitempty"`
	DisplayText  string        `json:"displayText,omitempty"`
	ContextFiles []ContextFile `json:"contextFiles,omitempty"`
}
