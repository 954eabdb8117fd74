package bus

// Inbound event subjects.
const (
	SubjectPersonDetected = "vision.person.detected"
	SubjectPersonLeft     = "vision.person.left"
	SubjectGazeDetected   = "vision.gaze.detected"
	SubjectTranscript     = "voice.transcript.final"
	SubjectIntentDerived  = "voice.intent.derived"
	SubjectTouchAction    = "input.touch.action"
	SubjectCartAction     = "input.cart.action"
)

// Wildcards the orchestrator listens on.
const (
	SubjectAllVision = "vision.>"
	SubjectAllVoice  = "voice.>"
	SubjectAllInput  = "input.>"
)

// Collaborator request subjects.
const (
	SubjectMenuSearch       = "agent.menu.search"
	SubjectMenuDetails      = "agent.menu.details"
	SubjectMenuAvailability = "agent.menu.availability"
	SubjectRecsysSuggest    = "agent.recsys.suggest"
	SubjectPaymentCharge    = "agent.payment.charge"
	SubjectHardwareCommand  = "agent.hardware.command"
	SubjectLanguageIntent   = "agent.language.intent"
	SubjectLanguageRespond  = "agent.language.respond"
)

// Outbound subjects.
const (
	SubjectUIUpdate       = "ui.update"
	SubjectSessionStarted = "session.lifecycle.started"
	SubjectSessionEnded   = "session.lifecycle.ended"
)

// Queue groups for collaborator responders.
const (
	QueueMenu     = "menu-agents"
	QueueRecsys   = "recsys-agents"
	QueuePayment  = "payment-agents"
	QueueHardware = "hardware-agents"
	QueueLanguage = "language-agents"
)
