package router

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/atlasbridge/atlasbridge/internal/adapter"
	"github.com/atlasbridge/atlasbridge/internal/atlastypes"
	"github.com/atlasbridge/atlasbridge/internal/channel"
	"github.com/atlasbridge/atlasbridge/internal/detector"
	"github.com/atlasbridge/atlasbridge/internal/policy"
	"github.com/atlasbridge/atlasbridge/internal/store"
)

type fakeRepo struct {
	prompts      map[string]*atlastypes.PromptEvent
	byIdemKey    map[string]string
	decideCalls  int
	routeCalls   int
	replies      []atlastypes.Reply
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{prompts: map[string]*atlastypes.PromptEvent{}, byIdemKey: map[string]string{}}
}

func (f *fakeRepo) CreateSession(ctx context.Context, tool, cwd, label string) (string, error) {
	return "session-1", nil
}
func (f *fakeRepo) UpdateSessionStatus(ctx context.Context, sessionID string, status atlastypes.SessionStatus) error {
	return nil
}
func (f *fakeRepo) EndSession(ctx context.Context, sessionID string, exitCode int) error { return nil }
func (f *fakeRepo) GetSession(ctx context.Context, sessionID string) (*atlastypes.Session, error) {
	return nil, store.ErrNotFound
}

func (f *fakeRepo) InsertPrompt(ctx context.Context, p *atlastypes.PromptEvent) (bool, error) {
	if _, ok := f.byIdemKey[p.IdempotencyKey]; ok {
		return false, nil
	}
	cp := *p
	f.prompts[p.PromptID] = &cp
	f.byIdemKey[p.IdempotencyKey] = p.PromptID
	return true, nil
}

func (f *fakeRepo) FindPromptByIdempotencyKey(ctx context.Context, key string) (*atlastypes.PromptEvent, error) {
	id, ok := f.byIdemKey[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return f.prompts[id], nil
}

func (f *fakeRepo) GetPrompt(ctx context.Context, promptID string) (*atlastypes.PromptEvent, error) {
	p, ok := f.prompts[promptID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return p, nil
}

func (f *fakeRepo) RoutePrompt(ctx context.Context, promptID, channelMessageID string) (int64, error) {
	f.routeCalls++
	p, ok := f.prompts[promptID]
	if !ok || p.Status != atlastypes.PromptCreated {
		return 0, nil
	}
	p.Status = atlastypes.PromptAwaitingReply
	p.ChannelMessageID = channelMessageID
	return 1, nil
}

func (f *fakeRepo) DecidePrompt(ctx context.Context, params store.DecideParams) (int64, error) {
	f.decideCalls++
	p, ok := f.prompts[params.PromptID]
	if !ok {
		return 0, nil
	}
	if p.Status != atlastypes.PromptRouted && p.Status != atlastypes.PromptAwaitingReply {
		return 0, nil
	}
	if p.Nonce != params.Nonce || p.NonceUsed {
		return 0, nil
	}
	p.Status = params.NewStatus
	p.NonceUsed = true
	p.ResponderIdentity = params.Responder
	return 1, nil
}

func (f *fakeRepo) ExpireStale(ctx context.Context, now time.Time) ([]atlastypes.PromptEvent, error) {
	var out []atlastypes.PromptEvent
	for _, p := range f.prompts {
		if (p.Status == atlastypes.PromptRouted || p.Status == atlastypes.PromptAwaitingReply) && !p.ExpiresAt.After(now) {
			p.Status = atlastypes.PromptExpired
			out = append(out, *p)
		}
	}
	return out, nil
}

func (f *fakeRepo) ReloadPending(ctx context.Context) ([]atlastypes.PromptEvent, error) {
	var out []atlastypes.PromptEvent
	for _, p := range f.prompts {
		if p.Status == atlastypes.PromptRouted || p.Status == atlastypes.PromptAwaitingReply {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (f *fakeRepo) MarkInjected(ctx context.Context, promptID string) (int64, error) {
	p, ok := f.prompts[promptID]
	if !ok || p.Status != atlastypes.PromptReplyReceived {
		return 0, nil
	}
	p.Status = atlastypes.PromptInjected
	return 1, nil
}

func (f *fakeRepo) ResolvePrompt(ctx context.Context, promptID string) (int64, error) {
	p, ok := f.prompts[promptID]
	if !ok || p.Status != atlastypes.PromptInjected {
		return 0, nil
	}
	p.Status = atlastypes.PromptResolved
	return 1, nil
}

func (f *fakeRepo) InsertReply(ctx context.Context, r *atlastypes.Reply) error {
	f.replies = append(f.replies, *r)
	return nil
}
func (f *fakeRepo) Close() error { return nil }

var _ store.Repository = (*fakeRepo)(nil)

type fakeInjector struct {
	injected []string
}

func (f *fakeInjector) Inject(ctx context.Context, promptID string, value []byte) error {
	f.injected = append(f.injected, promptID)
	return nil
}

type fakeChannel struct {
	sentMessageID string
	edited        []string
}

func (f *fakeChannel) Start(ctx context.Context) error { return nil }
func (f *fakeChannel) Close() error                    { return nil }
func (f *fakeChannel) SendPrompt(ctx context.Context, p atlastypes.PromptEvent, sc channel.SessionContext) (string, error) {
	return "chat:1", nil
}
func (f *fakeChannel) EditPromptMessage(ctx context.Context, messageID, text string) error {
	f.edited = append(f.edited, text)
	return nil
}
func (f *fakeChannel) Notify(ctx context.Context, message string, sessionID string) error { return nil }
func (f *fakeChannel) IsAllowed(identity string) bool                                    { return identity == "good-user" }
func (f *fakeChannel) Healthcheck() channel.HealthStatus                                 { return channel.HealthStatus{} }

var _ channel.Channel = (*fakeChannel)(nil)

func autoReplyPolicy(t *testing.T) *policy.Engine {
	t.Helper()
	p, err := policy.Parse([]byte(`
policy_version: "1"
autonomy_mode: full
rules:
  - id: "allow-yes-no"
    match: {prompt_types: ["yes_no"]}
    action: {type: auto_reply, value: "y"}
defaults:
  no_match:
    type: require_human
  low_confidence:
    type: notify_only
`))
	require.NoError(t, err)
	return policy.NewEngine(p)
}

func escalatePolicy(t *testing.T) *policy.Engine {
	t.Helper()
	p, err := policy.Parse([]byte(`
policy_version: "1"
autonomy_mode: off
rules: []
defaults:
  no_match:
    type: require_human
  low_confidence:
    type: notify_only
`))
	require.NoError(t, err)
	return policy.NewEngine(p)
}

func newTestRouter(repo *fakeRepo, eng *policy.Engine, ch channel.Channel, inj Injector) *Router {
	return New(repo, nil, eng, ch, adapter.NewRegistry(), nil, Config{
		TimeoutSeconds: 300, YesNoSafeDefault: "n", FreeTextMaxLength: 200,
	}, "session-1", "claude-code", channel.SessionContext{SessionID: "session-1", Label: "chat:1"}, inj)
}

func TestHandleCandidateAutoRepliesAndInjects(t *testing.T) {
	repo := newFakeRepo()
	inj := &fakeInjector{}
	r := newTestRouter(repo, autoReplyPolicy(t), nil, inj)

	err := r.HandleCandidate(context.Background(), &detector.Candidate{
		Type: atlastypes.PromptYesNo, Confidence: atlastypes.ConfidenceHigh, Excerpt: "Continue? (y/n)",
	})
	require.NoError(t, err)
	require.Len(t, inj.injected, 1)
}

func TestHandleCandidateDropsDuplicate(t *testing.T) {
	repo := newFakeRepo()
	inj := &fakeInjector{}
	r := newTestRouter(repo, autoReplyPolicy(t), nil, inj)

	cand := &detector.Candidate{Type: atlastypes.PromptYesNo, Confidence: atlastypes.ConfidenceHigh, Excerpt: "Continue? (y/n)"}
	require.NoError(t, r.HandleCandidate(context.Background(), cand))
	require.NoError(t, r.HandleCandidate(context.Background(), cand))
	require.Len(t, inj.injected, 1, "a duplicate candidate for the same window must not re-insert or re-inject")
}

func TestHandleCandidateEscalatesToChannel(t *testing.T) {
	repo := newFakeRepo()
	inj := &fakeInjector{}
	ch := &fakeChannel{}
	r := newTestRouter(repo, escalatePolicy(t), ch, inj)

	err := r.HandleCandidate(context.Background(), &detector.Candidate{
		Type: atlastypes.PromptYesNo, Confidence: atlastypes.ConfidenceHigh, Excerpt: "Continue? (y/n)",
	})
	require.NoError(t, err)
	require.Empty(t, inj.injected, "an escalated prompt must not be auto-injected")
	require.Equal(t, 1, repo.routeCalls)

	var p *atlastypes.PromptEvent
	for _, pp := range repo.prompts {
		p = pp
	}
	require.Equal(t, atlastypes.PromptAwaitingReply, p.Status)
	require.Equal(t, "chat:1", p.ChannelMessageID)
}

func TestHandleReplyInjectsAndEditsMessage(t *testing.T) {
	repo := newFakeRepo()
	inj := &fakeInjector{}
	ch := &fakeChannel{}
	r := newTestRouter(repo, escalatePolicy(t), ch, inj)

	require.NoError(t, r.HandleCandidate(context.Background(), &detector.Candidate{
		Type: atlastypes.PromptYesNo, Confidence: atlastypes.ConfidenceHigh, Excerpt: "Continue? (y/n)",
	}))

	var p *atlastypes.PromptEvent
	for _, pp := range repo.prompts {
		p = pp
	}

	err := r.HandleReply(context.Background(), channel.InboundReply{
		ResponderIdentity: "good-user",
		ShortPromptID:     p.PromptID[:8],
		NoncePrefix:       p.Nonce[:16],
		Value:             "y",
	})
	require.NoError(t, err)
	require.Len(t, inj.injected, 1)
	require.NotEmpty(t, ch.edited)
}

func TestHandleReplyRejectsUnallowedIdentity(t *testing.T) {
	repo := newFakeRepo()
	inj := &fakeInjector{}
	ch := &fakeChannel{}
	r := newTestRouter(repo, escalatePolicy(t), ch, inj)

	require.NoError(t, r.HandleCandidate(context.Background(), &detector.Candidate{
		Type: atlastypes.PromptYesNo, Confidence: atlastypes.ConfidenceHigh, Excerpt: "Continue? (y/n)",
	}))
	var p *atlastypes.PromptEvent
	for _, pp := range repo.prompts {
		p = pp
	}

	err := r.HandleReply(context.Background(), channel.InboundReply{
		ResponderIdentity: "stranger",
		ShortPromptID:     p.PromptID[:8],
		Value:             "y",
	})
	require.NoError(t, err)
	require.Empty(t, inj.injected)
}

func TestExpireStaleInjectsSafeDefault(t *testing.T) {
	repo := newFakeRepo()
	inj := &fakeInjector{}
	r := newTestRouter(repo, escalatePolicy(t), nil, inj)

	past := time.Now().UTC().Add(-time.Minute)
	repo.prompts["p1"] = &atlastypes.PromptEvent{
		PromptID: "p1", SessionID: "session-1", Type: atlastypes.PromptYesNo,
		Status: atlastypes.PromptAwaitingReply, ExpiresAt: past,
	}

	require.NoError(t, r.ExpireStale(context.Background()))
	require.Equal(t, atlastypes.PromptExpired, repo.prompts["p1"].Status)
	require.Len(t, inj.injected, 1)
}

func TestExpireStaleRecordsTimeoutDefaultReply(t *testing.T) {
	repo := newFakeRepo()
	inj := &fakeInjector{}
	r := newTestRouter(repo, escalatePolicy(t), nil, inj)

	past := time.Now().UTC().Add(-time.Minute)
	repo.prompts["p1"] = &atlastypes.PromptEvent{
		PromptID: "p1", SessionID: "session-1", Type: atlastypes.PromptYesNo,
		Status: atlastypes.PromptAwaitingReply, ExpiresAt: past,
	}

	require.NoError(t, r.ExpireStale(context.Background()))
	require.Len(t, repo.replies, 1, "a timeout must still produce exactly one reply row")
	require.Equal(t, atlastypes.ReplyTimeoutDefault, repo.replies[0].Source)
	require.Equal(t, "p1", repo.replies[0].PromptID)
}

func TestHandleReplyEventuallyResolvesAfterEchoWindow(t *testing.T) {
	repo := newFakeRepo()
	inj := &fakeInjector{}
	ch := &fakeChannel{}
	r := newTestRouter(repo, escalatePolicy(t), ch, inj)

	require.NoError(t, r.HandleCandidate(context.Background(), &detector.Candidate{
		Type: atlastypes.PromptYesNo, Confidence: atlastypes.ConfidenceHigh, Excerpt: "Continue? (y/n)",
	}))
	var promptID string
	for id := range repo.prompts {
		promptID = id
	}

	require.NoError(t, r.HandleReply(context.Background(), channel.InboundReply{
		ResponderIdentity: "good-user",
		ShortPromptID:     repo.prompts[promptID].PromptID[:8],
		NoncePrefix:       repo.prompts[promptID].Nonce[:16],
		Value:             "y",
	}))

	require.Eventually(t, func() bool {
		return repo.prompts[promptID].Status == atlastypes.PromptResolved
	}, time.Second, time.Millisecond, "a successfully injected reply must eventually reach resolved")
}

func TestAutoReplyEventuallyResolves(t *testing.T) {
	repo := newFakeRepo()
	inj := &fakeInjector{}
	r := newTestRouter(repo, autoReplyPolicy(t), nil, inj)

	require.NoError(t, r.HandleCandidate(context.Background(), &detector.Candidate{
		Type: atlastypes.PromptYesNo, Confidence: atlastypes.ConfidenceHigh, Excerpt: "Continue? (y/n)",
	}))
	var promptID string
	for id := range repo.prompts {
		promptID = id
	}

	require.Eventually(t, func() bool {
		return repo.prompts[promptID].Status == atlastypes.PromptResolved
	}, time.Second, time.Millisecond)
}

func TestComputeIdempotencyKeyVariesAcrossTimeBuckets(t *testing.T) {
	same1 := computeIdempotencyKey("session-1", atlastypes.PromptYesNo, "Continue? (y/n)", 100)
	same2 := computeIdempotencyKey("session-1", atlastypes.PromptYesNo, "Continue? (y/n)", 100)
	later := computeIdempotencyKey("session-1", atlastypes.PromptYesNo, "Continue? (y/n)", 101)

	require.Equal(t, same1, same2, "identical inputs in the same bucket must dedupe to the same key")
	require.NotEqual(t, same1, later, "the same excerpt recurring in a later bucket must get a fresh key")
}
