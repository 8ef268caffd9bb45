package actions

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Kind is the closed set of side-effecting operations the service will
// execute on behalf of an agent.
type Kind string

const (
	KindSendReply       Kind = "send_reply"
	KindIssueRefund     Kind = "issue_refund"
	KindTransferLicense Kind = "transfer_license"
)

// Kinds lists every known action kind.
func Kinds() []Kind {
	return []Kind{KindSendReply, KindIssueRefund, KindTransferLicense}
}

// ErrUnknownKind rejects action names outside the closed set.
var ErrUnknownKind = errors.New("actions: unknown action kind")

// ErrInvalidArgs rejects arguments that fail their schema.
var ErrInvalidArgs = errors.New("actions: invalid arguments")

// ParseKind validates an incoming action name against the closed set.
func ParseKind(name string) (Kind, error) {
	switch Kind(name) {
	case KindSendReply, KindIssueRefund, KindTransferLicense:
		return Kind(name), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, name)
	}
}

var argSchemas = map[Kind]string{
	KindSendReply: `{
		"type": "object",
		"required": ["text"],
		"properties": {
			"text": {"type": "string", "minLength": 1},
			"attachments": {"type": "array", "items": {"type": "string"}}
		},
		"additionalProperties": false
	}`,
	KindIssueRefund: `{
		"type": "object",
		"required": ["charge_id", "amount"],
		"properties": {
			"charge_id": {"type": "string", "minLength": 1},
			"amount": {"type": "number", "exclusiveMinimum": 0},
			"currency": {"type": "string", "pattern": "^[a-z]{3}$"},
			"reason": {"type": "string"}
		},
		"additionalProperties": false
	}`,
	KindTransferLicense: `{
		"type": "object",
		"required": ["license_id", "to_account"],
		"properties": {
			"license_id": {"type": "string", "minLength": 1},
			"to_account": {"type": "string", "minLength": 1}
		},
		"additionalProperties": false
	}`,
}

var compiledSchemas = mustCompileSchemas()

func mustCompileSchemas() map[Kind]*jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	for kind, raw := range argSchemas {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(raw)))
		if err != nil {
			panic(fmt.Sprintf("action schema %s: %v", kind, err))
		}
		if err := compiler.AddResource(string(kind)+".json", doc); err != nil {
			panic(fmt.Sprintf("action schema %s: %v", kind, err))
		}
	}
	out := make(map[Kind]*jsonschema.Schema, len(argSchemas))
	for kind := range argSchemas {
		out[kind] = compiler.MustCompile(string(kind) + ".json")
	}
	return out
}

// ValidateArgs checks raw arguments against the kind's schema. Must run
// before fingerprinting so malformed requests never reserve a key.
func ValidateArgs(kind Kind, args json.RawMessage) error {
	schema, ok := compiledSchemas[kind]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(args))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgs, err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgs, err)
	}
	return nil
}

// Helpdesk is the collaborator that talks to the ticketing platform.
type Helpdesk interface {
	SendReply(ctx context.Context, conversationID, text string) (messageID string, err error)
}

// Payments is the collaborator that executes refunds.
type Payments interface {
	Refund(ctx context.Context, chargeID string, amount float64, currency string) (refundID string, err error)
}

// Licensing is the collaborator that moves license seats.
type Licensing interface {
	Transfer(ctx context.Context, licenseID, toAccount string) error
}

// Executor resolves a validated action to a concrete side effect.
type Executor struct {
	helpdesk  Helpdesk
	payments  Payments
	licensing Licensing
}

func NewExecutor(helpdesk Helpdesk, payments Payments, licensing Licensing) *Executor {
	return &Executor{helpdesk: helpdesk, payments: payments, licensing: licensing}
}

// Request is one validated action invocation.
type Request struct {
	ConversationID string
	Kind           Kind
	Args           json.RawMessage
}

type handler func(ctx context.Context, e *Executor, req Request) (string, error)

// dispatch is the closed table from kind to behavior. ParseKind has
// already rejected unknown names; the checked default is belt and
// braces against a table/enum drift.
var dispatch = map[Kind]handler{
	KindSendReply:       runSendReply,
	KindIssueRefund:     runIssueRefund,
	KindTransferLicense: runTransferLicense,
}

// Execute runs one action and returns its JSON-encoded result.
func (e *Executor) Execute(ctx context.Context, req Request) (string, error) {
	h, ok := dispatch[req.Kind]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, req.Kind)
	}
	return h(ctx, e, req)
}

func runSendReply(ctx context.Context, e *Executor, req Request) (string, error) {
	var args struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(req.Args, &args); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidArgs, err)
	}
	id, err := e.helpdesk.SendReply(ctx, req.ConversationID, args.Text)
	if err != nil {
		return "", fmt.Errorf("send reply: %w", err)
	}
	return encodeResult(map[string]string{"message_id": id})
}

func runIssueRefund(ctx context.Context, e *Executor, req Request) (string, error) {
	var args struct {
		ChargeID string  `json:"charge_id"`
		Amount   float64 `json:"amount"`
		Currency string  `json:"currency"`
	}
	if err := json.Unmarshal(req.Args, &args); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidArgs, err)
	}
	if args.Currency == "" {
		args.Currency = "usd"
	}
	id, err := e.payments.Refund(ctx, args.ChargeID, args.Amount, args.Currency)
	if err != nil {
		return "", fmt.Errorf("issue refund: %w", err)
	}
	return encodeResult(map[string]string{"refund_id": id})
}

func runTransferLicense(ctx context.Context, e *Executor, req Request) (string, error) {
	var args struct {
		LicenseID string `json:"license_id"`
		ToAccount string `json:"to_account"`
	}
	if err := json.Unmarshal(req.Args, &args); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidArgs, err)
	}
	if err := e.licensing.Transfer(ctx, args.LicenseID, args.ToAccount); err != nil {
		return "", fmt.Errorf("transfer license: %w", err)
	}
	return encodeResult(map[string]string{"license_id": args.LicenseID, "status": "transferred"})
}

func encodeResult(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
