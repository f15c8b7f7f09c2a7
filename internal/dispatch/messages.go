package dispatch

// Menu labels and slash commands recognized by the dispatcher. Button
// labels reach us as plain text, so they are matched verbatim.
const (
	BtnFeedback = "Leave feedback"

	CmdStart      = "/start"
	CmdAbout      = "/about"
	CmdFeedback   = "/feedback"
	CmdUsers      = "/users"
	CmdLLMEnable  = "/llm_enable"
	CmdLLMDisable = "/llm_disable"
)

// User-facing replies.
const (
	MsgTooManyRequests = "Too many requests. Please wait a moment."
	MsgWelcome         = "Welcome! Pick a category:"
	MsgAbout           = "I answer questions from our knowledge base and can ask the assistant anything else. Send me a message to get started."
	MsgFeedbackPrompt  = "Please type your feedback:"
	MsgFeedbackThanks  = "Thank you for your feedback!"
	MsgNoInformation   = "No information available for this topic."
	MsgUnknownChoice   = "That option is no longer available."
	MsgStorageError    = "Something went wrong on our side. Please try again later."
	MsgInternalError   = "Something went wrong. Please try again."

	MsgPermissionDenied = "You are not allowed to do that."
	MsgSelectUserFirst  = "Select a user first with /users."
	MsgPickUser         = "Select a user:"
	MsgPickAction       = "What do you want to change?"
	MsgPickModel        = "Pick a model for the user:"
	MsgPickFromList     = "Please pick an option from the list."
	MsgLimitPrompt      = "Enter the new request limit (a positive integer):"
	MsgLimitInvalid     = "That is not a valid limit. Enter a positive integer:"
	MsgModelNamePrompt  = "Enter the new model's API name:"
	MsgModelNameEmpty   = "The model name cannot be empty. Enter the new model's API name:"
	MsgModelDescPrompt  = "Enter a short description for the model:"
	MsgCancelled        = "Cancelled."
)

// Admin action labels offered after selecting a target user.
const (
	lblSetLimit   = "Set limit"
	lblSetModel   = "Set model"
	lblEnableLLM  = "Enable assistant"
	lblDisableLLM = "Disable assistant"
	lblAddModel   = "Add new model"
	lblBack       = "Back"
	lblPrevPage   = "Previous"
	lblNextPage   = "Next"
)
