package adapters_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/util/validation"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"

	"github.com/irgordon/rulesync/api/internal/adapters"
	"github.com/irgordon/rulesync/api/internal/core/domain"
)

const testNamespace = "sentinel"

func sampleRules(app string) []domain.SystemRule {
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return []domain.SystemRule{
		{
			ID: 1, App: app, IP: "10.0.0.5", Port: 8719,
			HighestSystemLoad: domain.Unset, HighestCPUUsage: domain.Unset,
			AvgRT: domain.Unset, MaxThread: domain.Unset, QPS: 100,
			CreatedAt: created, ModifiedAt: created,
		},
	}
}

// ==============================================================================
// 1. Naming
// ==============================================================================

func TestConfigMapRuleStore_Name(t *testing.T) {
	store := adapters.NewConfigMapRuleStore(fake.NewSimpleClientset(), testNamespace, "rules")

	assert.Equal(t, "rules-orders", store.ConfigMapName("orders"))

	rewritten := store.ConfigMapName("Orders_Service")
	assert.True(t, strings.HasPrefix(rewritten, "rules-orders-service-"))
	assert.Empty(t, validation.IsDNS1123Subdomain(rewritten))

	// Different raw names that sanitise alike must not collide.
	assert.NotEqual(t, store.ConfigMapName("orders_service"), store.ConfigMapName("Orders_Service"))

	long := store.ConfigMapName(strings.Repeat("a", 300))
	assert.LessOrEqual(t, len(long), validation.DNS1123SubdomainMaxLength)
	assert.Empty(t, validation.IsDNS1123Subdomain(long))
}

// ==============================================================================
// 2. Round Trip
// ==============================================================================

func TestConfigMapRuleStore_MissingDocumentMeansNoRules(t *testing.T) {
	store := adapters.NewConfigMapRuleStore(fake.NewSimpleClientset(), testNamespace, "rules")

	rules, err := store.GetRules(context.Background(), "orders")

	require.NoError(t, err)
	assert.Empty(t, rules)
}

func TestConfigMapRuleStore_PublishCreatesThenUpdates(t *testing.T) {
	// 1. Setup
	ctx := context.Background()
	client := fake.NewSimpleClientset()
	store := adapters.NewConfigMapRuleStore(client, testNamespace, "rules")
	rules := sampleRules("orders")

	// 2. Execution: first publish creates
	require.NoError(t, store.Publish(ctx, "orders", rules))

	// 3. Verification
	cm, err := client.CoreV1().ConfigMaps(testNamespace).Get(ctx, "rules-orders", metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "orders", cm.Annotations[adapters.AppAnnotation])
	assert.NotEmpty(t, cm.Labels[adapters.AppHashLabel])
	assert.Contains(t, cm.Data[adapters.RulesDataKey], `"qps":100`)
	assert.Contains(t, cm.Data[adapters.RulesDataKey], `"avgRt":-1`)

	got, err := store.GetRules(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, rules, got)

	// 4. Execution: publishing the empty set replaces the document
	require.NoError(t, store.Publish(ctx, "orders", nil))

	cm, err = client.CoreV1().ConfigMaps(testNamespace).Get(ctx, "rules-orders", metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "[]", cm.Data[adapters.RulesDataKey])

	got, err = store.GetRules(ctx, "orders")
	require.NoError(t, err)
	assert.Empty(t, got)
}

// ==============================================================================
// 3. Failure Mapping
// ==============================================================================

func TestConfigMapRuleStore_CorruptDocument(t *testing.T) {
	client := fake.NewSimpleClientset(&corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{Name: "rules-orders", Namespace: testNamespace},
		Data:       map[string]string{adapters.RulesDataKey: "{not json"},
	})
	store := adapters.NewConfigMapRuleStore(client, testNamespace, "rules")

	_, err := store.GetRules(context.Background(), "orders")

	assert.ErrorIs(t, err, domain.ErrSinkUnavailable)
}

func TestConfigMapRuleStore_ForeignOwner(t *testing.T) {
	client := fake.NewSimpleClientset(&corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{
			Name:        "rules-orders",
			Namespace:   testNamespace,
			Annotations: map[string]string{adapters.AppAnnotation: "someone-else"},
		},
		Data: map[string]string{adapters.RulesDataKey: "[]"},
	})
	store := adapters.NewConfigMapRuleStore(client, testNamespace, "rules")

	_, err := store.GetRules(context.Background(), "orders")

	assert.ErrorIs(t, err, domain.ErrSinkUnavailable)
}

func TestConfigMapRuleStore_APIServerDown(t *testing.T) {
	client := fake.NewSimpleClientset()
	client.PrependReactor("*", "configmaps", func(action k8stesting.Action) (bool, runtime.Object, error) {
		return true, nil, errors.New("connection refused")
	})
	store := adapters.NewConfigMapRuleStore(client, testNamespace, "rules")

	_, err := store.GetRules(context.Background(), "orders")
	assert.ErrorIs(t, err, domain.ErrSinkUnavailable)

	err = store.Publish(context.Background(), "orders", sampleRules("orders"))
	assert.ErrorIs(t, err, domain.ErrSinkUnavailable)
	assert.Contains(t, err.Error(), "connection refused")
}
