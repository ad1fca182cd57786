package remediation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
)

// TaskGVR identifies the K8ssandraTask custom resource.
var TaskGVR = schema.GroupVersionResource{
	Group:    "control.k8ssandra.io",
	Version:  "v1alpha1",
	Resource: "k8ssandratasks",
}

// Metadata stamped on replacement tasks.
const (
	LabelRecoveryPod        = "tb-recovery.io/recovery-pod"
	LabelRecoveryNode       = "tb-recovery.io/recovery-node"
	AnnotationApprovedBy    = "tb-recovery.io/approved-by"
	AnnotationApprovalTime  = "tb-recovery.io/approval-time"
	taskTTLSecondsAfterDone = int64(86400)
)

var clearFinalizersPatch = []byte(`{"metadata":{"finalizers":null}}`)

// Outcome is the observed result of a replacement task.
type Outcome string

const (
	OutcomeRunning   Outcome = "running"
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
)

// ItemResult is the per-resource outcome of a best-effort batch.
type ItemResult struct {
	Kind string
	Name string
	Err  error
}

// TaskSpec describes the replacement task to ensure.
type TaskSpec struct {
	Name        string
	Namespace   string
	ClusterName string
	PodName     string
	NodeName    string
	ApprovedBy  string
	ApprovedAt  time.Time
}

// Orchestrator performs the external side effects of a remediation. Every
// operation is safe to repeat.
type Orchestrator struct {
	clientset kubernetes.Interface
	dynClient dynamic.Interface
	log       *slog.Logger
}

// NewOrchestrator creates an orchestrator over the typed and dynamic clients.
func NewOrchestrator(clientset kubernetes.Interface, dynClient dynamic.Interface, log *slog.Logger) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		clientset: clientset,
		dynClient: dynClient,
		log:       log.With("component", "orchestrator"),
	}
}

// TaskName derives the deterministic replacement task name for a failure.
func TaskName(nodeName, podName string) string {
	name := "replacenode-" + podName
	if nodeName != "" {
		name = fmt.Sprintf("replacenode-%s-%s", nodeName, podName)
	}
	return strings.ToLower(strings.ReplaceAll(name, ":", "-"))
}

// StripFinalizers clears finalizers from every claim and then the pod. A
// failure on one item never stops the others; each outcome is returned.
func (o *Orchestrator) StripFinalizers(ctx context.Context, podName, namespace string, pvcs []string) []ItemResult {
	results := make([]ItemResult, 0, len(pvcs)+1)
	for _, pvc := range pvcs {
		_, err := o.clientset.CoreV1().PersistentVolumeClaims(namespace).Patch(
			ctx, pvc, types.MergePatchType, clearFinalizersPatch, metav1.PatchOptions{})
		results = append(results, ItemResult{Kind: "PersistentVolumeClaim", Name: pvc, Err: err})
	}
	_, err := o.clientset.CoreV1().Pods(namespace).Patch(
		ctx, podName, types.MergePatchType, clearFinalizersPatch, metav1.PatchOptions{})
	results = append(results, ItemResult{Kind: "Pod", Name: podName, Err: err})

	for _, r := range results {
		if r.Err != nil {
			o.log.Debug("finalizer removal skipped", "kind", r.Kind, "ns", namespace, "name", r.Name, "error", r.Err)
		}
	}
	return results
}

// TaskExists reports whether a task with the given name is present.
func (o *Orchestrator) TaskExists(ctx context.Context, name, namespace string) (bool, error) {
	_, err := o.dynClient.Resource(TaskGVR).Namespace(namespace).Get(ctx, name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get task %s/%s: %w", namespace, name, err)
	}
	return true, nil
}

// EnsureReplacementTask creates the task unless it already exists. It reports
// whether this call created it. A concurrent creation is success.
func (o *Orchestrator) EnsureReplacementTask(ctx context.Context, spec TaskSpec) (bool, error) {
	exists, err := o.TaskExists(ctx, spec.Name, spec.Namespace)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}

	_, err = o.dynClient.Resource(TaskGVR).Namespace(spec.Namespace).Create(ctx, buildTask(spec), metav1.CreateOptions{})
	if apierrors.IsAlreadyExists(err) {
		o.log.Info("task already exists, treating as success", "task", spec.Name, "ns", spec.Namespace)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("create task %s/%s: %w", spec.Namespace, spec.Name, err)
	}
	o.log.Info("created replacement task", "task", spec.Name, "ns", spec.Namespace, "pod", spec.PodName)
	return true, nil
}

// TaskOutcome reads the task's success and failure counters.
func (o *Orchestrator) TaskOutcome(ctx context.Context, name, namespace string) (Outcome, error) {
	obj, err := o.dynClient.Resource(TaskGVR).Namespace(namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return "", fmt.Errorf("get task %s/%s: %w", namespace, name, err)
	}
	if statusCount(obj, "succeeded") > 0 {
		return OutcomeSucceeded, nil
	}
	if statusCount(obj, "failed") > 0 {
		return OutcomeFailed, nil
	}
	return OutcomeRunning, nil
}

// statusCount reads an integer status counter whatever numeric type the
// decoder produced.
func statusCount(obj *unstructured.Unstructured, field string) int64 {
	v, found, err := unstructured.NestedFieldNoCopy(obj.Object, "status", field)
	if !found || err != nil {
		return 0
	}
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case int32:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}

// DeleteTask removes the task. A missing task is not an error.
func (o *Orchestrator) DeleteTask(ctx context.Context, name, namespace string) error {
	err := o.dynClient.Resource(TaskGVR).Namespace(namespace).Delete(ctx, name, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("delete task %s/%s: %w", namespace, name, err)
	}
	o.log.Info("deleted replacement task", "task", name, "ns", namespace)
	return nil
}

func buildTask(spec TaskSpec) *unstructured.Unstructured {
	task := &unstructured.Unstructured{Object: map[string]interface{}{
		"apiVersion": TaskGVR.GroupVersion().String(),
		"kind":       "K8ssandraTask",
		"metadata": map[string]interface{}{
			"name":      spec.Name,
			"namespace": spec.Namespace,
		},
		"spec": map[string]interface{}{
			"cluster":                 map[string]interface{}{"name": spec.ClusterName},
			"ttlSecondsAfterFinished": taskTTLSecondsAfterDone,
			"template": map[string]interface{}{
				"jobs": []interface{}{
					map[string]interface{}{
						"name":    "replace-" + spec.PodName,
						"command": "replacenode",
						"args":    map[string]interface{}{"pod_name": spec.PodName},
					},
				},
			},
		},
	}}
	task.SetLabels(map[string]string{
		LabelRecoveryPod:  spec.PodName,
		LabelRecoveryNode: strings.ToLower(strings.ReplaceAll(spec.NodeName, ":", "-")),
	})
	annotations := map[string]string{AnnotationApprovedBy: spec.ApprovedBy}
	if !spec.ApprovedAt.IsZero() {
		annotations[AnnotationApprovalTime] = spec.ApprovedAt.UTC().Format(time.RFC3339)
	}
	task.SetAnnotations(annotations)
	return task
}
