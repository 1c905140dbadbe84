package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"regexp"
	"strings"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/validation"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/util/retry"

	"github.com/irgordon/rulesync/api/internal/core/domain"
)

const (
	// RulesDataKey holds the JSON array of the app's rules.
	RulesDataKey = "system-rules.json"
	// AppAnnotation records the unsanitised application name.
	AppAnnotation = "rulesync.io/app"
	// AppHashLabel lets readers select a document without knowing the name.
	AppHashLabel = "rulesync.io/app-hash"

	managedByLabel = "app.kubernetes.io/managed-by"
)

var invalidNameChars = regexp.MustCompile(`[^a-z0-9-]+`)

// NewKubernetesClient builds a clientset from kubeconfig, or from the
// default loading rules (in-cluster, $KUBECONFIG, ~/.kube/config) when empty.
func NewKubernetesClient(kubeconfig string) (kubernetes.Interface, error) {
	rules := clientcmd.NewDefaultClientConfigLoadingRules()
	if kubeconfig != "" {
		rules.ExplicitPath = kubeconfig
	}
	restCfg, err := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(rules, nil).ClientConfig()
	if err != nil {
		return nil, fmt.Errorf("load kubeconfig: %w", err)
	}
	client, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("create kubernetes client: %w", err)
	}
	return client, nil
}

// ConfigMapRuleStore keeps one ConfigMap per application. Every read and
// write failure is reported as domain.ErrSinkUnavailable.
type ConfigMapRuleStore struct {
	client    kubernetes.Interface
	namespace string
	prefix    string
}

func NewConfigMapRuleStore(client kubernetes.Interface, namespace, prefix string) *ConfigMapRuleStore {
	if namespace == "" {
		namespace = "default"
	}
	if prefix == "" {
		prefix = "rulesync-system"
	}
	return &ConfigMapRuleStore{client: client, namespace: namespace, prefix: prefix}
}

// ConfigMapName maps app onto a valid DNS-1123 object name. Names that had
// to be rewritten get a hash suffix so distinct apps never share a document.
func (s *ConfigMapRuleStore) ConfigMapName(app string) string {
	name := invalidNameChars.ReplaceAllString(strings.ToLower(app), "-")
	name = strings.Trim(name, "-")

	candidate := s.prefix + "-" + name
	if name == app && len(validation.IsDNS1123Subdomain(candidate)) == 0 {
		return candidate
	}

	suffix := "-" + appHash(app)
	if limit := validation.DNS1123SubdomainMaxLength - len(suffix); len(candidate) > limit {
		candidate = candidate[:limit]
	}
	return strings.TrimRight(candidate, "-") + suffix
}

func (s *ConfigMapRuleStore) GetRules(ctx context.Context, app string) ([]domain.SystemRule, error) {
	cm, err := s.client.CoreV1().ConfigMaps(s.namespace).Get(ctx, s.ConfigMapName(app), metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return []domain.SystemRule{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get configmap for %s: %w", domain.ErrSinkUnavailable, app, err)
	}

	if owner, ok := cm.Annotations[AppAnnotation]; ok && owner != app {
		return nil, fmt.Errorf("%w: configmap %s belongs to app %q", domain.ErrSinkUnavailable, cm.Name, owner)
	}

	raw := cm.Data[RulesDataKey]
	if strings.TrimSpace(raw) == "" {
		return []domain.SystemRule{}, nil
	}
	rules := make([]domain.SystemRule, 0)
	if err := json.Unmarshal([]byte(raw), &rules); err != nil {
		return nil, fmt.Errorf("%w: parse rules of %s: %w", domain.ErrSinkUnavailable, app, err)
	}
	return rules, nil
}

// Publish replaces the app's document, creating the ConfigMap on first use.
// Concurrent writers are reconciled with optimistic retries.
func (s *ConfigMapRuleStore) Publish(ctx context.Context, app string, rules []domain.SystemRule) error {
	if rules == nil {
		rules = []domain.SystemRule{}
	}
	payload, err := json.Marshal(rules)
	if err != nil {
		return fmt.Errorf("%w: encode rules of %s: %w", domain.ErrSinkUnavailable, app, err)
	}

	name := s.ConfigMapName(app)
	configMaps := s.client.CoreV1().ConfigMaps(s.namespace)

	err = retry.RetryOnConflict(retry.DefaultRetry, func() error {
		cm, err := configMaps.Get(ctx, name, metav1.GetOptions{})
		if apierrors.IsNotFound(err) {
			_, err = configMaps.Create(ctx, s.newConfigMap(name, app, payload), metav1.CreateOptions{})
			if apierrors.IsAlreadyExists(err) {
				// Lost the creation race; the retry takes the update path.
				return apierrors.NewConflict(corev1.Resource("configmaps"), name, err)
			}
			return err
		}
		if err != nil {
			return err
		}

		updated := cm.DeepCopy()
		if updated.Data == nil {
			updated.Data = map[string]string{}
		}
		if updated.Annotations == nil {
			updated.Annotations = map[string]string{}
		}
		if updated.Labels == nil {
			updated.Labels = map[string]string{}
		}
		updated.Data[RulesDataKey] = string(payload)
		updated.Annotations[AppAnnotation] = app
		updated.Labels[AppHashLabel] = appHash(app)
		_, err = configMaps.Update(ctx, updated, metav1.UpdateOptions{})
		return err
	})
	if err != nil {
		return fmt.Errorf("%w: publish rules of %s to configmap %s: %w", domain.ErrSinkUnavailable, app, name, err)
	}
	return nil
}

func (s *ConfigMapRuleStore) newConfigMap(name, app string, payload []byte) *corev1.ConfigMap {
	return &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: s.namespace,
			Labels: map[string]string{
				AppHashLabel:   appHash(app),
				managedByLabel: "rulesync",
			},
			Annotations: map[string]string{AppAnnotation: app},
		},
		Data: map[string]string{RulesDataKey: string(payload)},
	}
}

func appHash(app string) string {
	h := fnv.New32a()
	h.Write([]byte(app))
	return fmt.Sprintf("%08x", h.Sum32())
}
