package registry

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zgpcy/azure-webapp-exporter/internal/clock"
	"github.com/zgpcy/azure-webapp-exporter/internal/resource"
)

func appLabels(app string) map[string]string {
	return map[string]string{
		resource.LabelResourceGroup: "rg",
		resource.LabelWebApp:        app,
		resource.LabelPlan:          "plan",
	}
}

func TestSetGet(t *testing.T) {
	r := New()

	r.Set("azure_webapp_requests", appLabels("a"), 42)
	v, ok := r.Get("azure_webapp_requests", appLabels("a"))
	require.True(t, ok)
	assert.Equal(t, 42.0, v)

	_, ok = r.Get("azure_webapp_requests", appLabels("b"))
	assert.False(t, ok)

	r.Set("azure_webapp_requests", appLabels("a"), 43)
	v, _ = r.Get("azure_webapp_requests", appLabels("a"))
	assert.Equal(t, 43.0, v)
	assert.Equal(t, 1, r.Len())
}

func TestLabelOrderIndependent(t *testing.T) {
	r := New()
	r.Set("m", map[string]string{"a": "1", "b": "2"}, 1)
	r.Set("m", map[string]string{"b": "2", "a": "1"}, 2)

	assert.Equal(t, 1, r.Len())
	v, _ := r.Get("m", map[string]string{"a": "1", "b": "2"})
	assert.Equal(t, 2.0, v)
}

func TestDelete(t *testing.T) {
	r := New()
	r.Set("m", appLabels("a"), 1)

	assert.True(t, r.Delete("m", appLabels("a")))
	assert.False(t, r.Delete("m", appLabels("a")))
	assert.Equal(t, 0, r.Len())
}

func TestCommit(t *testing.T) {
	fake := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	r := New(WithClock(fake))
	assert.True(t, r.LastCommit().IsZero())

	r.Commit([]resource.Sample{
		{Name: "azure_webapp_requests", Labels: appLabels("a"), Value: 1},
		{Name: "azure_webapp_requests", Labels: appLabels("b"), Value: 2},
	})

	assert.Equal(t, 2, r.Len())
	assert.Equal(t, fake.Now(), r.LastCommit())
}

func TestSnapshot_SortedCopy(t *testing.T) {
	r := New()
	r.Set("b_metric", appLabels("x"), 2)
	r.Set("a_metric", appLabels("y"), 1)

	snap := r.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "a_metric", snap[0].Name)

	snap[0].Labels[resource.LabelWebApp] = "mutated"
	_, ok := r.Get("a_metric", appLabels("y"))
	assert.True(t, ok, "snapshot must not alias registry state")

	want := Entry{Name: "a_metric", Labels: appLabels("y"), Value: 1}
	if diff := cmp.Diff(want, r.Snapshot()[0], cmpopts.IgnoreFields(Entry{}, "UpdatedAt")); diff != "" {
		t.Errorf("Snapshot()[0] mismatch (-want +got):\n%s", diff)
	}
}

func TestEvict(t *testing.T) {
	fake := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	r := New(WithClock(fake), WithStaleAfter(10*time.Minute))

	r.Set("old", appLabels("a"), 1)
	fake.Advance(11 * time.Minute)
	r.Set("fresh", appLabels("a"), 2)

	assert.Equal(t, 1, r.Evict())
	_, ok := r.Get("old", appLabels("a"))
	assert.False(t, ok)
	_, ok = r.Get("fresh", appLabels("a"))
	assert.True(t, ok)
}

func TestEvict_DisabledByDefault(t *testing.T) {
	fake := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	r := New(WithClock(fake))

	r.Set("old", appLabels("a"), 1)
	fake.Advance(1000 * time.Hour)

	assert.Equal(t, 0, r.Evict())
	assert.Equal(t, 1, r.Len())
}

func TestConcurrentDisjointSets(t *testing.T) {
	r := New()

	const writers, perWriter = 16, 200
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				r.Set("azure_webapp_requests", appLabels(fmt.Sprintf("app-%d-%d", w, i)), float64(w*perWriter+i))
			}
		}(w)
	}
	// Concurrent readers
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			_ = r.Snapshot()
			_ = testutil.CollectAndCount(r)
		}
	}()
	wg.Wait()
	<-done

	require.Equal(t, writers*perWriter, r.Len())
	for w := 0; w < writers; w++ {
		for i := 0; i < perWriter; i++ {
			v, ok := r.Get("azure_webapp_requests", appLabels(fmt.Sprintf("app-%d-%d", w, i)))
			require.True(t, ok)
			require.Equal(t, float64(w*perWriter+i), v)
		}
	}
}

func TestCollect(t *testing.T) {
	r := New()
	r.SetHelp("azure_webapp_requests", "Requests of the web app")
	r.Set("azure_webapp_requests", appLabels("shop"), 42)
	r.Set("azure_plan_cpupercentage", map[string]string{
		resource.LabelResourceGroup: "rg",
		resource.LabelPlan:          "plan",
	}, 37.5)

	expected := `
# HELP azure_plan_cpupercentage Azure Monitor metric azure_plan_cpupercentage
# TYPE azure_plan_cpupercentage gauge
azure_plan_cpupercentage{plan_name="plan",resource_group_name="rg"} 37.5
# HELP azure_webapp_requests Requests of the web app
# TYPE azure_webapp_requests gauge
azure_webapp_requests{plan_name="plan",resource_group_name="rg",web_app_name="shop"} 42
`
	err := testutil.CollectAndCompare(r, strings.NewReader(expected))
	assert.NoError(t, err)
}
