package agent

import (
	"context"
	"errors"
	"io"
	"sync"

	"voicecall-engine/pkg/leads"
	"voicecall-engine/pkg/llm"

	"github.com/sirupsen/logrus"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

type fakeLLM struct {
	mu           sync.Mutex
	generate     []string
	generateErr  error
	toolResp     *llm.ToolResponse
	toolErr      error
	prompts      []string
	generateHits int
}

func (f *fakeLLM) Name() string { return "fake" }

func (f *fakeLLM) Generate(ctx context.Context, prompt string, history []llm.Message, system string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, prompt)
	f.generateHits++
	if f.generateErr != nil {
		return "", f.generateErr
	}
	if len(f.generate) == 0 {
		return "", llm.ErrEmptyResponse
	}
	out := f.generate[0]
	if len(f.generate) > 1 {
		f.generate = f.generate[1:]
	}
	return out, nil
}

func (f *fakeLLM) GenerateStream(ctx context.Context, prompt string, history []llm.Message, system string) (<-chan string, <-chan error) {
	tokens := make(chan string)
	errs := make(chan error, 1)
	close(tokens)
	close(errs)
	return tokens, errs
}

func (f *fakeLLM) GenerateWithTools(ctx context.Context, prompt, system string, tools []llm.ToolSchema) (*llm.ToolResponse, error) {
	if f.toolErr != nil {
		return nil, f.toolErr
	}
	return f.toolResp, nil
}

func (f *fakeLLM) hits() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.generateHits
}

type fakeSynth struct {
	audio []byte
	texts []string
	panic bool
}

func (f *fakeSynth) SynthesizeOnce(ctx context.Context, providerID, text, voice string) []byte {
	if f.panic {
		panic("synth exploded")
	}
	f.texts = append(f.texts, text)
	return f.audio
}

type fakeRetriever struct {
	docs      []string
	err       error
	namespace string
	limit     int
}

func (f *fakeRetriever) Retrieve(ctx context.Context, query, namespace string, limit int) ([]string, error) {
	f.namespace = namespace
	f.limit = limit
	return f.docs, f.err
}

type fakeLeads struct {
	mu        sync.Mutex
	updates   map[string]map[string]interface{}
	callbacks []leads.Callback
	memories  []leads.Memory
	patterns  []leads.Pattern
	transfers []leads.TransferRequest
	err       error
}

func newFakeLeads() *fakeLeads {
	return &fakeLeads{updates: map[string]map[string]interface{}{}}
}

func (f *fakeLeads) UpdateLead(ctx context.Context, leadID string, fields map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if f.updates[leadID] == nil {
		f.updates[leadID] = map[string]interface{}{}
	}
	for k, v := range fields {
		f.updates[leadID][k] = v
	}
	return nil
}

func (f *fakeLeads) ScheduleCallback(ctx context.Context, cb leads.Callback) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.callbacks = append(f.callbacks, cb)
	return nil
}

func (f *fakeLeads) RecordMemory(ctx context.Context, m leads.Memory) error {
	if f.err != nil {
		return f.err
	}
	f.memories = append(f.memories, m)
	return nil
}

func (f *fakeLeads) RecordPattern(ctx context.Context, p leads.Pattern) error {
	if f.err != nil {
		return f.err
	}
	f.patterns = append(f.patterns, p)
	return nil
}

func (f *fakeLeads) RequestTransfer(ctx context.Context, req leads.TransferRequest) error {
	if f.err != nil {
		return f.err
	}
	f.transfers = append(f.transfers, req)
	return nil
}

var errBoom = errors.New("boom")

func allCollaborators(synth *fakeSynth, store *fakeLeads, retriever *fakeRetriever) Collaborators {
	return Collaborators{
		Synthesizer: synth,
		Retriever:   retriever,
		Leads:       store,
		Callbacks:   store,
		Memory:      store,
		Transfers:   store,
	}
}

func testContext() SessionContext {
	return SessionContext{
		CtxCallSID:     "CA42",
		CtxLeadID:      "lead-7",
		CtxCampaignID:  "camp-1",
		CtxPhoneNumber: "+15550100",
	}
}
