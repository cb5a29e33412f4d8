package models

// CallbackAction type of callback action
type CallbackAction string

const (
	CallbackShowCode CallbackAction = "sc"
	CallbackForget   CallbackAction = "fg"
)

// CallbackData structure for inline button callback
type CallbackData struct {
	Action CallbackAction `json:"a"`
	CodeID int64          `json:"c"`
}
