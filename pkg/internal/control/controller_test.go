package control

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/grafana/jfr-agent/pkg/internal/hook"
	"github.com/grafana/jfr-agent/pkg/internal/host/archive"
	"github.com/grafana/jfr-agent/pkg/internal/probes"
	"github.com/grafana/jfr-agent/pkg/internal/registry"
	"github.com/grafana/jfr-agent/pkg/internal/strategy"
	"github.com/grafana/jfr-agent/pkg/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const fooSpec = `
events:
  - id: demo.event1
    class: com.example.Foo
    method:
      name: bar
      descriptor: (I)V
      parameters:
        - index: 0
          name: value
`

const bazSpec = `
events:
  - id: demo.event2
    class: com.example.Baz
    method:
      name: qux
      descriptor: ()V
`

type fixture struct {
	c        *Controller
	host     *archive.Host
	reg      *registry.Registry
	foo, baz []byte
}

// setup loads Foo and Baz through an archive host, so that retransformations run the
// real hook.
func setup(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{foo: testutil.Foo(t), baz: testutil.Baz(t), reg: registry.New()}
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "com", "example"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "com", "example", "Foo.class"), f.foo, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "com", "example", "Baz.class"), f.baz, 0o644))

	sel := strategy.Fixed(strategy.Modern)
	tr, err := hook.NewTransformer(hook.TransformerConfig{CacheSize: 10}, f.reg, sel, nil)
	require.NoError(t, err)
	f.host, err = archive.Open(dir, tr)
	require.NoError(t, err)
	_, err = f.host.LoadAll(context.Background())
	require.NoError(t, err)
	f.c = NewController(f.reg, hook.NewRetransformer(f.host, nil), sel, nil)
	return f
}

func (f *fixture) loaded(t *testing.T, name string) []byte {
	t.Helper()
	b, err := f.host.Class(name)
	require.NoError(t, err)
	return b
}

func TestInstall(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	ch, err := f.c.Install(ctx, []byte(fooSpec))
	require.NoError(t, err)
	assert.Equal(t, []string{testutil.FooClass}, ch.Changed)
	assert.Empty(t, ch.Missing)
	assert.NotEqual(t, f.foo, f.loaded(t, testutil.FooClass), "Foo must be retransformed")
	assert.Equal(t, f.baz, f.loaded(t, testutil.BazClass))
	assert.Equal(t, fooSpec, f.c.Specification())

	// installing the same specification again changes nothing
	ch, err = f.c.Install(ctx, []byte(fooSpec))
	require.NoError(t, err)
	assert.Empty(t, ch.Changed)
	assert.NotNil(t, ch.Changed)

	// an invalid specification leaves the installed one untouched
	generation := f.reg.Generation()
	_, err = f.c.Install(ctx, []byte("events: [{id: broken}]"))
	require.ErrorIs(t, err, probes.ErrInvalidSpecification)
	assert.Equal(t, generation, f.reg.Generation())
	assert.Equal(t, []string{testutil.FooClass}, f.c.Classes())

	// replacing drops Foo and instruments Baz
	ch, err = f.c.Install(ctx, []byte(bazSpec))
	require.NoError(t, err)
	assert.Equal(t, []string{testutil.BazClass, testutil.FooClass}, ch.Changed)
	assert.Equal(t, f.foo, f.loaded(t, testutil.FooClass))
	assert.NotEqual(t, f.baz, f.loaded(t, testutil.BazClass))
}

func TestMergeAndClear(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	_, err := f.c.Install(ctx, []byte(fooSpec))
	require.NoError(t, err)
	ch, err := f.c.Merge(ctx, []byte(bazSpec))
	require.NoError(t, err)
	assert.Equal(t, []string{testutil.BazClass}, ch.Changed)
	assert.Equal(t, []string{testutil.BazClass, testutil.FooClass}, f.c.Classes())

	ch, ok := f.c.ClearClass(ctx, testutil.BazClass)
	require.True(t, ok)
	assert.Equal(t, []string{testutil.BazClass}, ch.Changed)
	assert.Equal(t, f.baz, f.loaded(t, testutil.BazClass))
	_, ok = f.c.ClearClass(ctx, testutil.BazClass)
	assert.False(t, ok)

	ch = f.c.ClearAll(ctx)
	assert.Equal(t, []string{testutil.FooClass}, ch.Changed)
	assert.Equal(t, f.foo, f.loaded(t, testutil.FooClass))
	assert.Empty(t, f.c.Classes())
}

func TestRevert(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	_, err := f.c.Install(ctx, []byte(fooSpec))
	require.NoError(t, err)
	instrumented := f.loaded(t, testutil.FooClass)
	require.NotEqual(t, f.foo, instrumented)

	f.c.SetRevert(true)
	assert.True(t, f.c.Revert())
	// revert only affects the classes transformed from now on
	assert.Equal(t, instrumented, f.loaded(t, testutil.FooClass))

	ch, err := f.c.Retransform(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{testutil.FooClass}, ch.Changed)
	assert.Equal(t, f.foo, f.loaded(t, testutil.FooClass))

	f.c.SetRevert(false)
	_, err = f.c.Retransform(ctx, []string{testutil.FooClass})
	require.NoError(t, err)
	assert.Equal(t, instrumented, f.loaded(t, testutil.FooClass))
}

func TestRetransform_Missing(t *testing.T) {
	f := setup(t)
	ch, err := f.c.Retransform(context.Background(), []string{testutil.FooClass, "com/example/Gone"})
	require.NoError(t, err)
	assert.Equal(t, []string{"com/example/Gone"}, ch.Missing)
}

func TestRetransform_WithoutHost(t *testing.T) {
	c := NewController(registry.New(), nil, strategy.Fixed(strategy.Modern), nil)
	_, err := c.Retransform(context.Background(), []string{testutil.FooClass})
	assert.Error(t, err)

	// changes are still applied, and retransformation is skipped
	ch, err := c.Install(context.Background(), []byte(fooSpec))
	require.NoError(t, err)
	assert.Equal(t, []string{testutil.FooClass}, ch.Changed)
}

func TestDescriptorsAndStatus(t *testing.T) {
	reg := registry.New()
	c := NewController(reg, nil, strategy.Fixed(strategy.Legacy), nil)
	assert.Nil(t, c.Descriptors(testutil.FooClass))

	_, err := c.Install(context.Background(), []byte(fooSpec))
	require.NoError(t, err)
	descs := c.Descriptors(testutil.FooClass)
	require.Len(t, descs, 1)
	assert.Equal(t, "demo.event1", descs[0].ID)
	assert.Equal(t, "bar", descs[0].Method.Name)
	assert.Equal(t, "com/example/__JFREventDemoevent1", descs[0].EventClass)
	assert.True(t, descs[0].Pending)

	reg.MarkApplied(reg.Lookup(testutil.FooClass)[0])
	assert.False(t, c.Descriptors(testutil.FooClass)[0].Pending)

	st := c.Status()
	assert.Equal(t, "legacy", st.Strategy)
	assert.False(t, st.Revert)
	assert.Equal(t, reg.Generation(), st.Generation)
	assert.Equal(t, 1, st.InstrumentedClasses)
	assert.Zero(t, st.PendingClasses)
}
