package manager

import (
	"github.com/prometheus/client_golang/prometheus"
)

// metrics counts what the manager does. With a nil registerer the collectors
// still exist but are never exported, which keeps the call sites unconditional.
type metrics struct {
	tasksCreated      prometheus.Counter
	subtasksAssigned  prometheus.Counter
	assignmentRefused *prometheus.CounterVec
	verifications     *prometheus.CounterVec
	appClients        prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		tasksCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "requestor_tasks_created_total",
			Help: "Tasks created by this requestor.",
		}),
		subtasksAssigned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "requestor_subtasks_assigned_total",
			Help: "Subtasks handed out to providers.",
		}),
		assignmentRefused: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "requestor_assignment_refused_total",
			Help: "Subtask assignments refused, by admission rule.",
		}, []string{"rule"}),
		verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "requestor_verifications_total",
			Help: "Verification outcomes reported by App Clients.",
		}, []string{"result"}),
		appClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "requestor_app_clients",
			Help: "App Clients currently connected.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.tasksCreated,
			m.subtasksAssigned,
			m.assignmentRefused,
			m.verifications,
			m.appClients,
		)
	}
	return m
}

func (m *metrics) observeRefusal(rule RefusalRule) {
	m.assignmentRefused.WithLabelValues(string(rule)).Inc()
}

func (m *metrics) observeVerification(ok bool) {
	result := "rejected"
	if ok {
		result = "accepted"
	}
	m.verifications.WithLabelValues(result).Inc()
}
