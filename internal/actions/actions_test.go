package actions_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/basket/actiongate/internal/actions"
)

func TestParseKind(t *testing.T) {
	for _, k := range actions.Kinds() {
		got, err := actions.ParseKind(string(k))
		if err != nil || got != k {
			t.Fatalf("ParseKind(%q) = %v, %v", k, got, err)
		}
	}
	if _, err := actions.ParseKind("drop_tables"); !errors.Is(err, actions.ErrUnknownKind) {
		t.Fatalf("unknown kind err = %v", err)
	}
	if _, err := actions.ParseKind(""); !errors.Is(err, actions.ErrUnknownKind) {
		t.Fatalf("empty kind err = %v", err)
	}
}

func TestValidateArgs(t *testing.T) {
	cases := []struct {
		name string
		kind actions.Kind
		args string
		ok   bool
	}{
		{"valid reply", actions.KindSendReply, `{"text": "hello"}`, true},
		{"reply missing text", actions.KindSendReply, `{}`, false},
		{"reply empty text", actions.KindSendReply, `{"text": ""}`, false},
		{"reply unknown field", actions.KindSendReply, `{"text": "x", "cc": "boss"}`, false},
		{"valid refund", actions.KindIssueRefund, `{"charge_id": "ch_1", "amount": 12.5}`, true},
		{"refund zero amount", actions.KindIssueRefund, `{"charge_id": "ch_1", "amount": 0}`, false},
		{"refund bad currency", actions.KindIssueRefund, `{"charge_id": "ch_1", "amount": 5, "currency": "US"}`, false},
		{"valid transfer", actions.KindTransferLicense, `{"license_id": "L-1", "to_account": "acct-2"}`, true},
		{"transfer missing target", actions.KindTransferLicense, `{"license_id": "L-1"}`, false},
		{"malformed json", actions.KindSendReply, `{"text":`, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := actions.ValidateArgs(tc.kind, json.RawMessage(tc.args))
			if tc.ok && err != nil {
				t.Fatalf("valid args rejected: %v", err)
			}
			if !tc.ok {
				if err == nil {
					t.Fatal("invalid args accepted")
				}
				if !errors.Is(err, actions.ErrInvalidArgs) {
					t.Fatalf("err = %v, want ErrInvalidArgs", err)
				}
			}
		})
	}
}

type fakeHelpdesk struct {
	lastText string
	err      error
}

func (f *fakeHelpdesk) SendReply(_ context.Context, _, text string) (string, error) {
	f.lastText = text
	return "m-1", f.err
}

type fakePayments struct {
	lastCharge, lastCurrency string
	lastAmount               float64
}

func (f *fakePayments) Refund(_ context.Context, chargeID string, amount float64, currency string) (string, error) {
	f.lastCharge, f.lastAmount, f.lastCurrency = chargeID, amount, currency
	return "re_1", nil
}

type fakeLicensing struct{ transfers int }

func (f *fakeLicensing) Transfer(context.Context, string, string) error {
	f.transfers++
	return nil
}

func TestExecutor_Dispatch(t *testing.T) {
	hd := &fakeHelpdesk{}
	pay := &fakePayments{}
	lic := &fakeLicensing{}
	e := actions.NewExecutor(hd, pay, lic)
	ctx := context.Background()

	result, err := e.Execute(ctx, actions.Request{
		ConversationID: "conv-1",
		Kind:           actions.KindSendReply,
		Args:           json.RawMessage(`{"text": "hi there"}`),
	})
	if err != nil {
		t.Fatalf("send reply: %v", err)
	}
	if hd.lastText != "hi there" || result != `{"message_id":"m-1"}` {
		t.Fatalf("text=%q result=%q", hd.lastText, result)
	}

	if _, err := e.Execute(ctx, actions.Request{
		Kind: actions.KindIssueRefund,
		Args: json.RawMessage(`{"charge_id": "ch_9", "amount": 30}`),
	}); err != nil {
		t.Fatalf("refund: %v", err)
	}
	if pay.lastCharge != "ch_9" || pay.lastAmount != 30 || pay.lastCurrency != "usd" {
		t.Fatalf("refund call = %+v", pay)
	}

	if _, err := e.Execute(ctx, actions.Request{
		Kind: actions.KindTransferLicense,
		Args: json.RawMessage(`{"license_id": "L-1", "to_account": "acct-2"}`),
	}); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if lic.transfers != 1 {
		t.Fatalf("transfers = %d", lic.transfers)
	}
}

func TestExecutor_UnknownKind(t *testing.T) {
	e := actions.NewExecutor(nil, nil, nil)
	_, err := e.Execute(context.Background(), actions.Request{Kind: actions.Kind("rm_rf")})
	if !errors.Is(err, actions.ErrUnknownKind) {
		t.Fatalf("err = %v, want ErrUnknownKind", err)
	}
}

func TestExecutor_CollaboratorErrorSurfaces(t *testing.T) {
	boom := errors.New("helpdesk 502")
	e := actions.NewExecutor(&fakeHelpdesk{err: boom}, nil, nil)
	_, err := e.Execute(context.Background(), actions.Request{
		Kind: actions.KindSendReply,
		Args: json.RawMessage(`{"text": "x"}`),
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped original", err)
	}
}
