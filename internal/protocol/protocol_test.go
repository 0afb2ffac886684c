package protocol

import (
	"bytes"
	"errors"
	"testing"

	"github.com/ploston/runner/internal/testutil/testlog"
)

func TestHeaderRoundTrip(t *testing.T) {
	testlog.Start(t)
	in := Header{
		Magic:       Magic,
		Version:     Version,
		HeaderLen:   FixedHeaderLen,
		Sequence:    42,
		MessageType: uint32(MsgStepUpdate),
		Flags:       FlagIsError,
		PayloadLen:  17,
	}
	got, err := DecodeHeader(EncodeHeader(in))
	if err != nil {
		t.Fatalf("decode header: %v", err)
	}
	if got != in {
		t.Fatalf("header mismatch: got %+v want %+v", got, in)
	}
}

func TestDecodeHeaderRejectsBadMagic(t *testing.T) {
	testlog.Start(t)
	buf := EncodeHeader(Header{Magic: Magic, Version: Version, HeaderLen: FixedHeaderLen})
	buf[0] = 0xFF
	if _, err := DecodeHeader(buf); !errors.Is(err, ErrBadMagic) {
		t.Fatalf("expected ErrBadMagic, got %v", err)
	}
}

func TestReadFrameRejectsOversizedPayload(t *testing.T) {
	testlog.Start(t)
	var buf bytes.Buffer
	err := WriteFrame(&buf, Frame{
		Header:  Header{Sequence: 1, MessageType: uint32(MsgHeartbeat)},
		Payload: []byte(`{"timestamp_ms":1}`),
	}, DefaultLimits())
	if err != nil {
		t.Fatalf("write frame: %v", err)
	}
	_, err = ReadFrame(bytes.NewReader(buf.Bytes()), Limits{MaxPayloadBytes: 4})
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	testlog.Start(t)
	messages := []Message{
		Auth{Token: "tok-1", RunnerName: "runner.alpha", Capabilities: []string{"fs", "shell"}},
		AuthAccept{RunnerName: "runner.alpha", SessionID: "sess-1", TimestampMS: 1700000000000},
		AuthReject{Code: 401, Message: "bad token"},
		RunWorkflow{
			RunID: "run-1",
			Steps: []WorkflowStep{
				{StepID: "a", Capability: "fs", Operation: "write", Parameters: map[string]string{"path": "out.txt", "content": "hi"}},
				{StepID: "b", Capability: "shell", Operation: "exec", DependsOn: []string{"a"}, TimeoutMS: 5000, RetryBudget: 2, Optional: true},
			},
		},
		CancelRun{RunID: "run-1"},
		StepUpdate{RunID: "run-1", StepID: "a", Status: "succeeded", Result: &StepResult{Stdout: "ok", ExitCode: 0}},
		RunUpdate{RunID: "run-1", Status: "failed", Error: &WireError{Code: "adapter_error", Message: "boom"}},
		Heartbeat{TimestampMS: 1700000000123},
		Ack{Sequence: 9},
		Availability{Available: []string{"fs", "git"}, Unavailable: []string{"container"}},
		Disconnect{Reason: "shutdown"},
		ConfigUpdate{Settings: map[string]string{"default_step_timeout": "90s", "registry_token": "${REGISTRY_TOKEN}"}},
	}

	for i, msg := range messages {
		seq := uint64(i + 1)
		buf, err := EncodeEnvelope(seq, msg)
		if err != nil {
			t.Fatalf("encode %s: %v", msg.Type(), err)
		}
		env, err := ReadEnvelope(bytes.NewReader(buf), DefaultLimits())
		if err != nil {
			t.Fatalf("decode %s: %v", msg.Type(), err)
		}
		if env.Sequence != seq {
			t.Fatalf("%s sequence mismatch: got %d want %d", msg.Type(), env.Sequence, seq)
		}
		if env.MessageType() != msg.Type() {
			t.Fatalf("type mismatch: got %s want %s", env.MessageType(), msg.Type())
		}
	}
}

func TestEnvelopeRoundTripPreservesRunWorkflow(t *testing.T) {
	testlog.Start(t)
	in := RunWorkflow{
		RunID: "run-7",
		Steps: []WorkflowStep{
			{StepID: "clone", Capability: "git", Operation: "clone", Parameters: map[string]string{"url": "https://example.com/repo.git", "dir": "repo"}},
			{StepID: "build", Capability: "shell", Operation: "exec", DependsOn: []string{"clone"}, RetryBudget: 1},
		},
	}
	buf, err := EncodeEnvelope(3, in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	env, err := ReadEnvelope(bytes.NewReader(buf), DefaultLimits())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	got, ok := env.Payload.(RunWorkflow)
	if !ok {
		t.Fatalf("unexpected payload type %T", env.Payload)
	}
	if got.RunID != in.RunID || len(got.Steps) != 2 {
		t.Fatalf("unexpected run: %+v", got)
	}
	if got.Steps[0].Parameters["url"] != "https://example.com/repo.git" {
		t.Fatalf("parameters lost: %+v", got.Steps[0])
	}
	if got.Steps[1].DependsOn[0] != "clone" || got.Steps[1].RetryBudget != 1 {
		t.Fatalf("step fields lost: %+v", got.Steps[1])
	}
}

func TestEncodeEnvelopeRejectsInvalidPayload(t *testing.T) {
	testlog.Start(t)
	if _, err := EncodeEnvelope(1, Auth{RunnerName: "runner.alpha"}); !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("expected ErrInvalidMessage, got %v", err)
	}
	if _, err := EncodeEnvelope(1, RunWorkflow{RunID: "run-1"}); !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("expected ErrInvalidMessage for empty steps, got %v", err)
	}
}

func TestDecodeEnvelopeRejectsUnknownType(t *testing.T) {
	testlog.Start(t)
	f := Frame{
		Header:  Header{Magic: Magic, Version: Version, HeaderLen: FixedHeaderLen, MessageType: 999},
		Payload: []byte("{}"),
	}
	if _, err := DecodeEnvelope(f); !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("expected ErrInvalidMessage, got %v", err)
	}
}
