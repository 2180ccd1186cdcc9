package policy

import (
	"fmt"
	"regexp"
	"strings"

	contractx "github.com/caresched/medibot/agent/contract"
	statex "github.com/caresched/medibot/agent/state"
)

// Reason is the internal denial code. It goes to the audit log only; users
// see the fixed refusal wording, never the code.
type Reason string

const (
	ReasonNone                Reason = ""
	ReasonInstructionOverride Reason = "instruction_override"
	ReasonRawCommand          Reason = "raw_command"
	ReasonBulkDisclosure      Reason = "bulk_disclosure"
	ReasonRestrictedContact   Reason = "restricted_contact"
	ReasonConfirmationBypass  Reason = "confirmation_bypass"
	ReasonUnknownTool         Reason = "unknown_tool"
	ReasonUngroundedMutation  Reason = "ungrounded_mutation"
	ReasonScopeViolation      Reason = "scope_violation"
)

type Decision struct {
	Allowed bool
	Reason  Reason
	Refusal string
}

func Allow() Decision {
	return Decision{Allowed: true}
}

func Deny(reason Reason) Decision {
	refusal, ok := refusals[reason]
	if !ok {
		refusal = refusalGeneric
	}
	return Decision{Allowed: false, Reason: reason, Refusal: refusal}
}

const refusalGeneric = "I can't do that. I can help you book an appointment or check an upcoming appointment."

var refusals = map[Reason]string{
	ReasonInstructionOverride: "I can't help with that request. I can help you book an appointment or check an upcoming appointment.",
	ReasonRawCommand:          "I can't run direct data commands. I can help you book an appointment or check an upcoming appointment.",
	ReasonBulkDisclosure:      "I can't share lists of records. I can look up your own appointment if you give me the phone number and email you registered with.",
	ReasonRestrictedContact:   "I'm not able to share contact details for doctors or patients.",
	ReasonConfirmationBypass:  "Every booking needs your explicit confirmation before I make it.",
	ReasonUnknownTool:         refusalGeneric,
	ReasonUngroundedMutation:  refusalGeneric,
	ReasonScopeViolation:      refusalGeneric,
}

// ToolCall is the screened shape of a proposed tool invocation. The executor
// fills Known/Mutating from the registry so this package stays independent
// of it.
type ToolCall struct {
	Name           string
	Known          bool
	Mutating       bool
	IdempotencyKey string
	Args           map[string]any
}

// Engine screens user input, extracted intents, proposed tool calls, and
// outbound replies. All checks are pure functions over their inputs.
type Engine struct {
	sqlCommand        *regexp.Regexp
	bulkQuant         *regexp.Regexp
	restrictedContact *regexp.Regexp
	emailPattern      *regexp.Regexp
	phonePatterns     []*regexp.Regexp
}

func NewEngine() *Engine {
	return &Engine{
		sqlCommand:        regexp.MustCompile(`(?i)\b(select|insert|update|delete|drop|truncate|alter|grant)\b[\s\S]*\b(from|into|table|database|set|where|on)\b`),
		bulkQuant:         regexp.MustCompile(`(?i)\b(all|every|entire|export|dump)\b`),
		restrictedContact: regexp.MustCompile(restrictedContactExpr),
		emailPattern:      regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`),
		phonePatterns: []*regexp.Regexp{
			regexp.MustCompile(`\b\d{10}\b`),
			regexp.MustCompile(`\b\d{3}[-.\s]\d{3}[-.\s]\d{4}\b`),
			regexp.MustCompile(`\b\d{5}[-.\s]\d{5}\b`),
		},
	}
}

/* ------------------------------ Input screens ----------------------------- */

// ScreenMessage classifies a raw user message against the hostile intent
// classes. Order matters: the most specific class wins the audit code.
func (e *Engine) ScreenMessage(text string) Decision {
	lower := strings.ToLower(text)

	if matchesAny(lower, instructionOverridePhrases) {
		return Deny(ReasonInstructionOverride)
	}
	if e.looksLikeRawCommand(lower) {
		return Deny(ReasonRawCommand)
	}
	if e.looksLikeBulkRequest(lower) {
		return Deny(ReasonBulkDisclosure)
	}
	if e.looksLikeContactRequest(lower) {
		return Deny(ReasonRestrictedContact)
	}
	if matchesAny(lower, confirmationBypassPhrases) {
		return Deny(ReasonConfirmationBypass)
	}
	return Allow()
}

// ScreenIntent applies the same classes to the extractor's output, which is
// untrusted model output over untrusted user text.
func (e *Engine) ScreenIntent(res contractx.IntentResult) Decision {
	candidates := []string{
		res.Symptom,
		res.Slots.Specialty,
		res.Slots.DoctorName,
		res.Slots.PatientName,
		res.Slots.EmergencyContactName,
		res.Slots.Reason,
	}
	for _, value := range candidates {
		if strings.TrimSpace(value) == "" {
			continue
		}
		if d := e.ScreenMessage(value); !d.Allowed {
			return d
		}
	}
	switch res.Task {
	case statex.TaskUndetermined, statex.TaskBooking, statex.TaskLookup, statex.TaskCancel:
	default:
		return Deny(ReasonScopeViolation)
	}
	return Allow()
}

// ScreenToolCall vets a proposed invocation against the session: unknown
// tools, unkeyed mutations, mutations over ungrounded entities, and lookups
// not tied to the session's own supplied identity are all denied.
func (e *Engine) ScreenToolCall(sess *statex.Session, call ToolCall) Decision {
	if !call.Known {
		return Deny(ReasonUnknownTool)
	}
	if call.Mutating && strings.TrimSpace(call.IdempotencyKey) == "" {
		return Deny(ReasonUngroundedMutation)
	}

	for _, value := range call.Args {
		s, ok := value.(string)
		if !ok {
			continue
		}
		lower := strings.ToLower(s)
		if e.looksLikeRawCommand(lower) {
			return Deny(ReasonRawCommand)
		}
	}

	if sess != nil {
		if ref, ok := mutationGroundRef(call); ok && !sess.Facts.Has(ref) {
			return Deny(ReasonUngroundedMutation)
		}
		if !identityScoped(sess, call) {
			return Deny(ReasonScopeViolation)
		}
	}
	return Allow()
}

// mutationGroundRef names the entity a mutating call must have grounded
// before it may run.
func mutationGroundRef(call ToolCall) (statex.EntityRef, bool) {
	switch call.Name {
	case "appointment.book":
		return statex.EntityRef{Kind: statex.EntityDoctor, ID: argString(call.Args, "doctor_id")}, true
	case "appointment.cancel":
		return statex.EntityRef{Kind: statex.EntityAppointment, ID: argString(call.Args, "appointment_id")}, true
	default:
		return statex.EntityRef{}, false
	}
}

// identityScoped keeps patient lookups tied to the contact details this
// session collected, never to arbitrary third-party keys.
func identityScoped(sess *statex.Session, call ToolCall) bool {
	switch call.Name {
	case "patient.find":
		phone := argString(call.Args, "phone")
		return phone == "" || sess.Slots.PatientPhone == "" || phone == sess.Slots.PatientPhone
	default:
		return true
	}
}

/* ----------------------------- Output controls ---------------------------- */

// RedactContacts scrubs anything shaped like an email address or phone
// number from outbound text. Replies are templated without contact fields;
// this is the backstop for values smuggled in through echoed input.
func (e *Engine) RedactContacts(text string) string {
	out := e.emailPattern.ReplaceAllString(text, "[redacted]")
	for _, re := range e.phonePatterns {
		out = re.ReplaceAllString(out, "[redacted]")
	}
	return out
}

// ContainsContact reports whether text still carries a contact-shaped value.
func (e *Engine) ContainsContact(text string) bool {
	if e.emailPattern.MatchString(text) {
		return true
	}
	for _, re := range e.phonePatterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

/* ------------------------------ Emergency flag ---------------------------- */

var emergencyPhrases = []string{
	"emergency",
	"heart attack",
	"chest pain",
	"can't breathe",
	"cannot breathe",
	"not breathing",
	"unconscious",
	"severe bleeding",
	"stroke",
	"suicid",
	"overdose",
}

// DetectEmergency flags wording that needs the urgent-care advisory instead
// of the booking flow.
func DetectEmergency(text string) bool {
	return matchesAny(strings.ToLower(text), emergencyPhrases)
}

/* -------------------------------- Classes --------------------------------- */

var instructionOverridePhrases = []string{
	"ignore previous instructions",
	"ignore all previous",
	"ignore your instructions",
	"disregard your instructions",
	"disregard previous",
	"forget your instructions",
	"forget all previous",
	"new instructions:",
	"system prompt",
	"you are now",
	"act as if",
	"pretend to be",
	"jailbreak",
	"developer mode",
}

var confirmationBypassPhrases = []string{
	"without confirmation",
	"without confirming",
	"skip confirmation",
	"skip the confirmation",
	"no need to confirm",
	"don't ask me to confirm",
	"do not ask for confirmation",
}

var bulkPhrases = []string{"complete list", "full list", "list of all", "each and every"}

var recordWords = []string{
	"patients", "patient records", "doctors", "records",
	"database", "phone numbers", "emails", "contact details",
}

// restrictedContactExpr ties a contact noun to a clinician or another
// patient: a possessive ("the doctor's number"), a bare clinician compound
// ("doctor phone number"), a third-person pronoun ("her email"), or an
// of/for phrase ("number of the doctor"). Callers sharing their own details
// ("my phone number is ...") never match.
const restrictedContactExpr = `\b(?:doctor|dr\.?(?:\s+[a-z]+){0,2}|physician|specialist|patient)s?'s?\s+(?:\w+\s+){0,2}(?:phone|number|email|contact|mobile|cell)` +
	`|\b(?:doctor|dr\.?|physician|specialist)s?\s+(?:phone|number|email|contact|mobile|cell)` +
	`|\b(?:his|her|their)\s+(?:\w+\s+){0,2}(?:phone|number|email|contact|mobile|cell)` +
	`|\b(?:phone|number|email|contact|mobile|cell)s?(?:\s+\w+){0,2}\s+(?:of|for)\s+(?:\w+\s+){0,2}(?:doctor|dr\b|physician|specialist|patient)`

var requestVerbs = []string{
	"give", "share", "tell", "what is", "what's", "send", "provide",
	"show", "need", "get me", "can i have", "could i have", "list",
}

func (e *Engine) looksLikeRawCommand(lower string) bool {
	if e.sqlCommand.MatchString(lower) {
		return true
	}
	return matchesAny(lower, []string{
		"run a query", "execute sql", "raw sql", "run sql",
		"database command", "sql command", "; --", "';--",
	})
}

func (e *Engine) looksLikeBulkRequest(lower string) bool {
	if !e.bulkQuant.MatchString(lower) && !matchesAny(lower, bulkPhrases) {
		return false
	}
	return matchesAny(lower, recordWords)
}

func (e *Engine) looksLikeContactRequest(lower string) bool {
	return e.restrictedContact.MatchString(lower) && matchesAny(lower, requestVerbs)
}

func matchesAny(lower string, phrases []string) bool {
	for _, phrase := range phrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

func argString(args map[string]any, key string) string {
	if args == nil {
		return ""
	}
	switch v := args[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}
