package scan

import (
	"context"
	"fmt"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/marcus-qen/jurisdiction/internal/gateway/registry"
)

var _ = Describe("Reconciler", func() {
	var (
		ctx        context.Context
		client     *fake.Clientset
		store      *registry.MemoryStore
		reconciler *Reconciler
		srv        *registry.Server
		scan       *registry.Scan
		logs       map[string][]byte
	)

	const namespace = "mcp-scans"

	seedJob := func(succeeded, failed int32, conditions ...batchv1.JobCondition) {
		job := &batchv1.Job{
			ObjectMeta: metav1.ObjectMeta{
				Name:      scan.JobName,
				Namespace: namespace,
				Labels:    map[string]string{LabelScanID: scan.ID},
			},
			Status: batchv1.JobStatus{
				Succeeded:  succeeded,
				Failed:     failed,
				Conditions: conditions,
			},
		}
		_, err := client.BatchV1().Jobs(namespace).Create(ctx, job, metav1.CreateOptions{})
		Expect(err).NotTo(HaveOccurred())
	}

	seedPod := func(phase corev1.PodPhase) *corev1.Pod {
		pod := &corev1.Pod{
			ObjectMeta: metav1.ObjectMeta{
				Name:      scan.JobName + "-pod",
				Namespace: namespace,
				Labels:    map[string]string{"job-name": scan.JobName},
			},
			Status: corev1.PodStatus{Phase: phase},
		}
		created, err := client.CoreV1().Pods(namespace).Create(ctx, pod, metav1.CreateOptions{})
		Expect(err).NotTo(HaveOccurred())
		return created
	}

	BeforeEach(func() {
		ctx = context.Background()
		client = fake.NewSimpleClientset()
		store = registry.NewMemoryStore()
		logs = map[string][]byte{}

		cfg := testScannerConfig()
		reconciler = NewReconciler(client, store, cfg, 0.5, nil, nil)
		reconciler.fetchLogs = func(_ context.Context, _, podName string) ([]byte, error) {
			out, ok := logs[podName]
			if !ok {
				return nil, fmt.Errorf("no logs for %s", podName)
			}
			return out, nil
		}

		srv = &registry.Server{
			ID:          "aaaaaaaa-0000-4000-8000-000000000001",
			CanonicalID: "team-a/weather",
			Name:        "Weather",
			OwnerTeam:   "team-a",
			SourceType:  registry.SourceInternalRepo,
			SourceURL:   "https://git.internal/weather",
			Status:      registry.StatusScanning,
			CreatedBy:   "alice",
			CreatedAt:   time.Now().UTC(),
			UpdatedAt:   time.Now().UTC(),
		}
		Expect(store.CreateServer(ctx, srv)).To(Succeed())

		scan = &registry.Scan{
			ID:        "bbbbbbbb-0000-4000-8000-000000000002",
			ServerID:  srv.ID,
			Status:    registry.ScanRunning,
			JobName:   JobName("bbbbbbbb-0000-4000-8000-000000000002"),
			StartedAt: time.Now().UTC().Add(-time.Minute),
		}
		Expect(store.CreateScan(ctx, scan)).To(Succeed())
	})

	Context("when the job succeeded", func() {
		It("settles a passing scan to ScannedPass", func() {
			seedJob(1, 0)
			pod := seedPod(corev1.PodSucceeded)
			logs[pod.Name] = []byte(`{"risk_score": 0.2, "scanner_version": "2.3.0",
				"issues": [{"severity": "warning", "message": "verbose descriptions"}],
				"tools": [{"name": "forecast"}]}`)

			Expect(reconciler.Sweep(ctx)).To(Succeed())

			got, err := store.GetScan(ctx, scan.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.Status).To(Equal(registry.ScanCompleted))
			Expect(got.RiskScore).To(HaveValue(BeNumerically("==", 0.2)))
			Expect(got.Issues).To(HaveLen(1))
			Expect(got.DiscoveredTools).To(HaveLen(1))
			Expect(got.FinishedAt).NotTo(BeNil())

			server, err := store.GetServer(ctx, srv.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(server.Status).To(Equal(registry.StatusScannedPass))
			Expect(server.LatestScanID).To(Equal(scan.ID))

			_, err = client.BatchV1().Jobs(namespace).Get(ctx, scan.JobName, metav1.GetOptions{})
			Expect(apierrors.IsNotFound(err)).To(BeTrue(), "job should be reclaimed")
		})

		It("settles a risky scan to ScannedFail", func() {
			seedJob(1, 0)
			pod := seedPod(corev1.PodSucceeded)
			logs[pod.Name] = []byte(`{"risk_score": 0.8}`)

			Expect(reconciler.Sweep(ctx)).To(Succeed())

			server, _ := store.GetServer(ctx, srv.ID)
			Expect(server.Status).To(Equal(registry.StatusScannedFail))
			got, _ := store.GetScan(ctx, scan.ID)
			Expect(got.Status).To(Equal(registry.ScanCompleted))
		})

		It("marks unparseable output as Failed", func() {
			seedJob(1, 0)
			pod := seedPod(corev1.PodSucceeded)
			logs[pod.Name] = []byte("panic: scanner exploded")

			Expect(reconciler.Sweep(ctx)).To(Succeed())

			got, _ := store.GetScan(ctx, scan.ID)
			Expect(got.Status).To(Equal(registry.ScanFailed))
			Expect(got.ErrorMessage).To(ContainSubstring("parse scanner output"))
			server, _ := store.GetServer(ctx, srv.ID)
			Expect(server.Status).To(Equal(registry.StatusScannedFail))
		})
	})

	Context("when the job failed", func() {
		It("settles the scan to Failed with the pod output", func() {
			seedJob(0, 1, batchv1.JobCondition{Type: batchv1.JobFailed, Status: corev1.ConditionTrue})
			pod := seedPod(corev1.PodFailed)
			logs[pod.Name] = []byte("clone failed: permission denied")

			Expect(reconciler.Sweep(ctx)).To(Succeed())

			got, _ := store.GetScan(ctx, scan.ID)
			Expect(got.Status).To(Equal(registry.ScanFailed))
			Expect(got.ErrorMessage).To(ContainSubstring("permission denied"))
			server, _ := store.GetServer(ctx, srv.ID)
			Expect(server.Status).To(Equal(registry.StatusScannedFail))
		})
	})

	Context("when the job is gone", func() {
		It("settles the scan to Failed", func() {
			Expect(reconciler.Sweep(ctx)).To(Succeed())

			got, _ := store.GetScan(ctx, scan.ID)
			Expect(got.Status).To(Equal(registry.ScanFailed))
			Expect(got.ErrorMessage).To(ContainSubstring("disappeared"))
		})
	})

	Context("when the job outlives the timeout", func() {
		It("cancels the workload and settles TimedOut", func() {
			seedJob(0, 0)
			reconciler.now = func() time.Time {
				return scan.StartedAt.Add(time.Duration(testScannerConfig().TimeoutSeconds+60) * time.Second)
			}

			Expect(reconciler.Sweep(ctx)).To(Succeed())

			got, _ := store.GetScan(ctx, scan.ID)
			Expect(got.Status).To(Equal(registry.ScanTimedOut))
			server, _ := store.GetServer(ctx, srv.ID)
			Expect(server.Status).To(Equal(registry.StatusScannedFail))

			_, err := client.BatchV1().Jobs(namespace).Get(ctx, scan.JobName, metav1.GetOptions{})
			Expect(apierrors.IsNotFound(err)).To(BeTrue())
		})

		It("leaves a young running scan alone", func() {
			seedJob(0, 0)

			Expect(reconciler.Sweep(ctx)).To(Succeed())

			got, _ := store.GetScan(ctx, scan.ID)
			Expect(got.Status).To(Equal(registry.ScanRunning))
		})
	})

	Context("when another replica already settled the scan", func() {
		It("skips without clobbering", func() {
			// The other replica won the conditional transition.
			Expect(store.TransitionScan(ctx, scan.ID, registry.ScanRunning,
				registry.ScanTimedOut, "other replica")).To(Succeed())

			stale := *scan
			reconciler.reconcileScan(ctx, &stale)

			got, _ := store.GetScan(ctx, scan.ID)
			Expect(got.Status).To(Equal(registry.ScanTimedOut))
			Expect(got.ErrorMessage).To(Equal("other replica"))
		})
	})

	Describe("Cancel", func() {
		It("deletes the job and marks the scan Cancelled without touching the server", func() {
			seedJob(0, 0)

			Expect(reconciler.Cancel(ctx, scan.ID)).To(Succeed())

			got, _ := store.GetScan(ctx, scan.ID)
			Expect(got.Status).To(Equal(registry.ScanCancelled))
			Expect(got.FinishedAt).NotTo(BeNil())

			server, _ := store.GetServer(ctx, srv.ID)
			Expect(server.Status).To(Equal(registry.StatusScanning), "cancel must not change server status")

			_, err := client.BatchV1().Jobs(namespace).Get(ctx, scan.JobName, metav1.GetOptions{})
			Expect(apierrors.IsNotFound(err)).To(BeTrue())
		})

		It("rejects cancelling a terminal scan", func() {
			Expect(store.TransitionScan(ctx, scan.ID, registry.ScanRunning,
				registry.ScanCompleted, "")).To(Succeed())

			err := reconciler.Cancel(ctx, scan.ID)
			Expect(err).To(MatchError(ErrScanTerminal))
		})
	})
})
