package pipeline

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/ligmir/ligship/internal/build"
	"github.com/ligmir/ligship/internal/cache"
	"github.com/ligmir/ligship/internal/ledger"
	"github.com/ligmir/ligship/internal/registry"
	"github.com/ligmir/ligship/internal/runtime"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

const testCommit = "0123456789abcdef0123456789abcdef01234567"

var (
	testDigest = digest.FromString("runtime image manifest")
	shaRef     = "registry.digitalocean.com/ligmir/image:ligmir-" + testCommit
	latestRef  = "registry.digitalocean.com/ligmir/image:ligmir-latest"
)

type fakeCheckout struct {
	err error
}

func (f *fakeCheckout) Checkout(ctx context.Context, cfg RunConfig) (*Source, error) {
	if f.err != nil {
		return nil, f.err
	}
	created := time.Unix(1700000000, 0).UTC()
	return &Source{Dir: "/src", Commit: testCommit, Time: &created}, nil
}

type fakeAuth struct {
	calls   int
	err     error
	expires time.Time
}

func (f *fakeAuth) Authenticate(ctx context.Context) (*registry.Session, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &registry.Session{
		Host:      registry.DefaultHost,
		Username:  "user",
		Password:  "secret",
		ExpiresAt: f.expires,
	}, nil
}

type fakeBuilder struct {
	calls int
	opts  build.Options
	err   error
	hit   bool
}

func (f *fakeBuilder) Build(ctx context.Context, opts build.Options) (*build.Result, error) {
	f.calls++
	f.opts = opts
	if f.err != nil {
		return nil, f.err
	}
	return &build.Result{
		Image:  opts.Image,
		Target: ocispec.Descriptor{MediaType: ocispec.MediaTypeImageManifest, Digest: testDigest, Size: 512},
		Caches: []build.CacheResult{{Name: "deps", Key: cache.Key("ab12"), Hit: f.hit}},
	}, nil
}

type fakePublisher struct {
	mu       sync.Mutex
	tags     map[string]ocispec.Descriptor
	untagged []string
	pushed   []string
	exported string
	pushErr  map[string]error
	tagErr   error
	creds    func(host string) (string, string, error)
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{tags: map[string]ocispec.Descriptor{}, pushErr: map[string]error{}}
}

func (f *fakePublisher) Tag(ctx context.Context, name string, target ocispec.Descriptor) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tagErr != nil {
		return f.tagErr
	}
	f.tags[name] = target
	return nil
}

func (f *fakePublisher) Untag(ctx context.Context, name string) error {
	f.untagged = append(f.untagged, name)
	return nil
}

func (f *fakePublisher) Push(ctx context.Context, name, platform string, creds runtime.Credentials) (ocispec.Descriptor, error) {
	if err := f.pushErr[name]; err != nil {
		return ocispec.Descriptor{}, err
	}
	f.creds = creds
	f.pushed = append(f.pushed, name)
	return f.tags[name], nil
}

func (f *fakePublisher) Export(ctx context.Context, name, path string) error {
	f.exported = path
	return nil
}

type fakeLedger struct {
	states  []string
	tags    map[string]bool
	outcome ledger.Outcome
}

func (f *fakeLedger) StartRun(ctx context.Context, id, commit, variant, state string, at time.Time) error {
	f.states = append(f.states, state)
	f.tags = map[string]bool{}
	return nil
}

func (f *fakeLedger) RecordState(ctx context.Context, id, state string, at time.Time) error {
	f.states = append(f.states, state)
	return nil
}

func (f *fakeLedger) RecordTag(ctx context.Context, id, ref, digest string, pushed bool, at time.Time) error {
	f.tags[ref] = pushed
	return nil
}

func (f *fakeLedger) FinishRun(ctx context.Context, id string, out ledger.Outcome, at time.Time) error {
	f.outcome = out
	return nil
}

type fakeMetrics struct {
	started, finished int
	final             string
	cache             map[string]bool
}

func (f *fakeMetrics) RunStarted() { f.started++ }

func (f *fakeMetrics) RunFinished(state string, d time.Duration) {
	f.finished++
	f.final = state
}

func (f *fakeMetrics) StateFinished(string, time.Duration) {}

func (f *fakeMetrics) CacheLookup(group string, hit bool) {
	if f.cache == nil {
		f.cache = map[string]bool{}
	}
	f.cache[group] = hit
}

type harness struct {
	checkout  *fakeCheckout
	auth      *fakeAuth
	builder   *fakeBuilder
	publisher *fakePublisher
	ledger    *fakeLedger
	metrics   *fakeMetrics
	pipeline  *Pipeline
}

func newHarness() *harness {
	h := &harness{
		checkout:  &fakeCheckout{},
		auth:      &fakeAuth{},
		builder:   &fakeBuilder{},
		publisher: newFakePublisher(),
		ledger:    &fakeLedger{},
		metrics:   &fakeMetrics{},
	}
	h.pipeline = New(Deps{
		Checkout:      h.checkout,
		Authenticator: h.auth,
		Builder:       h.builder,
		Publisher:     h.publisher,
		Ledger:        h.ledger,
		Metrics:       h.metrics,
		Now:           func() time.Time { return time.Unix(1700000100, 0) },
	})
	return h
}

func testConfig() RunConfig {
	return RunConfig{
		Registry:   registry.DefaultHost,
		RegistryID: "ligmir",
		Repository: "image",
		TagPrefix:  "ligmir-",
		Variant:    "scratch",
		Push:       true,
	}
}

func TestRunPublishesBothTags(t *testing.T) {
	h := newHarness()
	h.builder.hit = true

	res, err := h.pipeline.Run(context.Background(), testConfig())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if res.State != StateDone {
		t.Errorf("State = %s, want %s", res.State, StateDone)
	}
	if !slices.Equal(res.Refs, []string{shaRef, latestRef}) {
		t.Errorf("Refs = %v", res.Refs)
	}
	if res.Digest != testDigest || !res.CacheHit {
		t.Errorf("result = %+v", res)
	}

	if h.publisher.tags[shaRef].Digest != h.publisher.tags[latestRef].Digest {
		t.Errorf("tags point at different content: %v vs %v", h.publisher.tags[shaRef], h.publisher.tags[latestRef])
	}
	if h.publisher.tags[shaRef].Digest != testDigest {
		t.Errorf("sha tag digest = %s, want %s", h.publisher.tags[shaRef].Digest, testDigest)
	}

	if !slices.Equal(h.publisher.pushed, []string{shaRef, latestRef}) {
		t.Errorf("push order = %v, want sha then latest", h.publisher.pushed)
	}
	if u, p, _ := h.publisher.creds(registry.DefaultHost); u != "user" || p != "secret" {
		t.Errorf("push credentials = %q, %q", u, p)
	}

	wantStates := []string{"checkout", "authenticate", "build", "tag", "push-sha", "push-latest", "done"}
	if !slices.Equal(h.ledger.states, wantStates) {
		t.Errorf("ledger states = %v, want %v", h.ledger.states, wantStates)
	}
	if !h.ledger.tags[shaRef] || !h.ledger.tags[latestRef] {
		t.Errorf("ledger tags = %v, want both pushed", h.ledger.tags)
	}
	if h.ledger.outcome.State != "done" || h.ledger.outcome.Commit != testCommit {
		t.Errorf("ledger outcome = %+v", h.ledger.outcome)
	}

	if h.metrics.started != 1 || h.metrics.finished != 1 || h.metrics.final != "done" {
		t.Errorf("metrics = %+v", h.metrics)
	}
	if hit, ok := h.metrics.cache["deps"]; !ok || !hit {
		t.Errorf("cache metrics = %v", h.metrics.cache)
	}
}

func TestRunBuildOptions(t *testing.T) {
	h := newHarness()
	cfg := testConfig()
	cfg.Remote = "https://github.com/ligmir/ligmir"

	res, err := h.pipeline.Run(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	opts := h.builder.opts
	if opts.Context != "/src" {
		t.Errorf("Context = %q, want /src", opts.Context)
	}
	if opts.Platform != build.DefaultPlatform {
		t.Errorf("Platform = %q, want %q", opts.Platform, build.DefaultPlatform)
	}
	if opts.Recipe == nil || opts.Recipe.Output().Entrypoint[0] != "/ligmir" {
		t.Errorf("Recipe = %+v, want the scratch variant", opts.Recipe)
	}
	if opts.Created == nil || !opts.Created.Equal(time.Unix(1700000000, 0)) {
		t.Errorf("Created = %v, want the commit time", opts.Created)
	}
	if opts.Labels[labelRevision] != testCommit {
		t.Errorf("revision label = %q", opts.Labels[labelRevision])
	}
	if opts.Labels[labelSource] != cfg.Remote {
		t.Errorf("source label = %q", opts.Labels[labelSource])
	}
	if opts.Labels[labelVersion] != "ligmir-"+testCommit {
		t.Errorf("version label = %q", opts.Labels[labelVersion])
	}

	if _, ok := h.publisher.tags[opts.Image]; ok {
		t.Errorf("build record %q was tagged", opts.Image)
	}
	if !slices.Contains(h.publisher.untagged, opts.Image) {
		t.Errorf("build record %q not removed", opts.Image)
	}
	if res.RunID == "" {
		t.Error("empty run ID")
	}
}

func TestRunAuthFailureSkipsBuild(t *testing.T) {
	h := newHarness()
	h.auth.err = registry.ErrAuthentication

	res, err := h.pipeline.Run(context.Background(), testConfig())
	if !errors.Is(err, registry.ErrAuthentication) {
		t.Fatalf("Run error = %v, want %v", err, registry.ErrAuthentication)
	}
	if h.builder.calls != 0 {
		t.Fatalf("builder called %d times after failed authentication", h.builder.calls)
	}
	if res.State != StateFailed {
		t.Errorf("State = %s, want %s", res.State, StateFailed)
	}
	if len(h.publisher.tags) != 0 || len(h.publisher.pushed) != 0 {
		t.Errorf("publisher touched: tags=%v pushed=%v", h.publisher.tags, h.publisher.pushed)
	}
	wantStates := []string{"checkout", "authenticate", "failed"}
	if !slices.Equal(h.ledger.states, wantStates) {
		t.Errorf("ledger states = %v, want %v", h.ledger.states, wantStates)
	}
	if h.ledger.outcome.Error == "" {
		t.Error("failure not recorded in ledger")
	}
}

func TestRunCredentialCheckSkipsBuild(t *testing.T) {
	reg := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("WWW-Authenticate", `Basic realm="registry"`)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer reg.Close()

	tests := []struct {
		name string
		auth registry.Static
	}{
		{"no credentials", registry.Static{}},
		{"rejected credentials", registry.Static{Username: "ci", Password: "wrong", URL: reg.URL}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness()
			p := New(Deps{
				Checkout:      h.checkout,
				Authenticator: tt.auth,
				Builder:       h.builder,
				Publisher:     h.publisher,
			})

			res, err := p.Run(context.Background(), testConfig())
			if !errors.Is(err, registry.ErrAuthentication) {
				t.Fatalf("Run error = %v, want %v", err, registry.ErrAuthentication)
			}
			if h.builder.calls != 0 {
				t.Fatalf("builder called %d times without valid credentials", h.builder.calls)
			}
			if res.State != StateFailed {
				t.Errorf("State = %s, want %s", res.State, StateFailed)
			}
		})
	}
}

func TestRunCompileErrorTagsNothing(t *testing.T) {
	h := newHarness()
	h.builder.err = errors.Join(build.ErrBuild, build.ErrCompile)

	res, err := h.pipeline.Run(context.Background(), testConfig())
	if !errors.Is(err, build.ErrCompile) {
		t.Fatalf("Run error = %v, want %v", err, build.ErrCompile)
	}
	if res.State != StateFailed {
		t.Errorf("State = %s, want %s", res.State, StateFailed)
	}
	if len(h.publisher.tags) != 0 || len(h.publisher.pushed) != 0 {
		t.Fatalf("publisher touched after compile error: tags=%v pushed=%v", h.publisher.tags, h.publisher.pushed)
	}
	if h.metrics.final != "failed" {
		t.Errorf("metrics final state = %q", h.metrics.final)
	}
}

func TestRunCheckoutFailure(t *testing.T) {
	h := newHarness()
	h.checkout.err = ErrCheckout

	_, err := h.pipeline.Run(context.Background(), testConfig())
	if !errors.Is(err, ErrCheckout) {
		t.Fatalf("Run error = %v, want %v", err, ErrCheckout)
	}
	if h.auth.calls != 0 {
		t.Errorf("authenticated %d times after failed checkout", h.auth.calls)
	}
}

func TestRunPushLatestFailure(t *testing.T) {
	h := newHarness()
	h.publisher.pushErr[latestRef] = errors.New("503 service unavailable")

	res, err := h.pipeline.Run(context.Background(), testConfig())
	if !errors.Is(err, ErrPush) {
		t.Fatalf("Run error = %v, want %v", err, ErrPush)
	}

	var pe *PushError
	if !errors.As(err, &pe) || pe.Ref != latestRef {
		t.Fatalf("failed ref = %+v, want %s", pe, latestRef)
	}
	if !slices.Equal(h.publisher.pushed, []string{shaRef}) {
		t.Errorf("pushed = %v, want only the sha ref", h.publisher.pushed)
	}
	if res.State != StateFailed {
		t.Errorf("State = %s, want %s", res.State, StateFailed)
	}
	wantStates := []string{"checkout", "authenticate", "build", "tag", "push-sha", "push-latest", "failed"}
	if !slices.Equal(h.ledger.states, wantStates) {
		t.Errorf("ledger states = %v, want %v", h.ledger.states, wantStates)
	}
	if !h.ledger.tags[shaRef] || h.ledger.tags[latestRef] {
		t.Errorf("ledger tags = %v, want only sha pushed", h.ledger.tags)
	}
}

func TestRunPushSHAFailureSkipsLatest(t *testing.T) {
	h := newHarness()
	h.publisher.pushErr[shaRef] = errors.New("unauthorized")

	_, err := h.pipeline.Run(context.Background(), testConfig())
	var pe *PushError
	if !errors.As(err, &pe) || pe.Ref != shaRef {
		t.Fatalf("Run error = %v, want push error for %s", err, shaRef)
	}
	if len(h.publisher.pushed) != 0 {
		t.Errorf("pushed = %v, want nothing", h.publisher.pushed)
	}
}

func TestRunWithoutPush(t *testing.T) {
	h := newHarness()
	cfg := testConfig()
	cfg.Push = false
	cfg.Output = "/tmp/out.tar"

	res, err := h.pipeline.Run(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.State != StateDone {
		t.Errorf("State = %s, want %s", res.State, StateDone)
	}
	if h.auth.calls != 1 {
		t.Errorf("authenticated %d times, want 1", h.auth.calls)
	}
	if len(h.publisher.pushed) != 0 {
		t.Errorf("pushed = %v, want nothing", h.publisher.pushed)
	}
	if len(h.publisher.tags) != 2 {
		t.Errorf("tags = %v, want both refs", h.publisher.tags)
	}
	if h.publisher.exported != "/tmp/out.tar" {
		t.Errorf("exported = %q", h.publisher.exported)
	}
	wantStates := []string{"checkout", "authenticate", "build", "tag", "done"}
	if !slices.Equal(h.ledger.states, wantStates) {
		t.Errorf("ledger states = %v, want %v", h.ledger.states, wantStates)
	}
}

func TestRunExportIntoDirectory(t *testing.T) {
	h := newHarness()
	dir := t.TempDir()
	cfg := testConfig()
	cfg.Push = false
	cfg.Output = dir

	if _, err := h.pipeline.Run(context.Background(), cfg); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if want := filepath.Join(dir, "ligmir-"+testCommit+".tar"); h.publisher.exported != want {
		t.Errorf("exported = %q, want %q", h.publisher.exported, want)
	}
}

func TestRunTagFailure(t *testing.T) {
	h := newHarness()
	h.publisher.tagErr = errors.New("content missing")

	_, err := h.pipeline.Run(context.Background(), testConfig())
	if !errors.Is(err, ErrTag) {
		t.Fatalf("Run error = %v, want %v", err, ErrTag)
	}
	if len(h.publisher.pushed) != 0 {
		t.Errorf("pushed = %v after tag failure", h.publisher.pushed)
	}
}

func TestRunReauthenticatesExpiredSession(t *testing.T) {
	h := newHarness()
	h.auth.expires = time.Unix(1700000000, 0)

	if _, err := h.pipeline.Run(context.Background(), testConfig()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if h.auth.calls != 3 {
		t.Fatalf("authenticated %d times, want once up front and once per push", h.auth.calls)
	}
}

func TestRunInvalidConfig(t *testing.T) {
	h := newHarness()
	cfg := testConfig()
	cfg.RegistryID = ""

	res, err := h.pipeline.Run(context.Background(), cfg)
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("Run error = %v, want %v", err, ErrInvalidConfig)
	}
	if res != nil || h.metrics.started != 0 || len(h.ledger.states) != 0 {
		t.Fatalf("invalid config started a run: %+v", res)
	}
}

func TestTagOf(t *testing.T) {
	tests := map[string]string{
		shaRef:                    "ligmir-" + testCommit,
		"localhost:5000/a/b:v1":   "v1",
		"localhost:5000/a/b":      "",
		"registry.example.com/ab": "",
	}
	for ref, want := range tests {
		if got := tagOf(ref); got != want {
			t.Errorf("tagOf(%q) = %q, want %q", ref, got, want)
		}
	}
}
