package metrics

import (
	"sync"
	"time"

	"cascadeflow/logger"
)

// Metric is one structured metric event flowing through the pipeline.
type Metric struct {
	Timestamp time.Time
	Component string
	Name      string
	Value     interface{}
	Type      string
	Fields    logger.Fields
}

// MetricHandler consumes emitted metrics, e.g. for the dashboard store.
type MetricHandler func(Metric)

// MetricHandlerID identifies a registered handler for later removal.
type MetricHandlerID uint64

var (
	handlersMu    sync.RWMutex
	handlers      = make(map[MetricHandlerID]MetricHandler)
	nextHandlerID MetricHandlerID
)

// RegisterMetricHandler subscribes a handler to every emitted metric and
// returns its id. A nil handler yields the zero id.
func RegisterMetricHandler(handler MetricHandler) MetricHandlerID {
	if handler == nil {
		return 0
	}

	handlersMu.Lock()
	defer handlersMu.Unlock()

	nextHandlerID++
	id := nextHandlerID
	handlers[id] = handler
	return id
}

// UnregisterMetricHandler removes the handler with the given id.
func UnregisterMetricHandler(id MetricHandlerID) {
	if id == 0 {
		return
	}

	handlersMu.Lock()
	delete(handlers, id)
	handlersMu.Unlock()
}

func recordMetric(log *logger.Log, component, name string, value interface{}, metricType string, fields logger.Fields) (Metric, bool) {
	if name == "" {
		return Metric{}, false
	}
	if metricType == "" {
		metricType = "counter"
	}

	userFields := cloneFields(fields)

	if log == nil {
		log = logger.GetLogger()
	}

	logFields := make(logger.Fields, len(userFields)+3)
	for k, v := range userFields {
		logFields[k] = v
	}
	logFields["metric"] = name
	logFields["metric_type"] = metricType
	logFields["value"] = value

	log.WithComponent(component).WithFields(logFields).Info("metric")

	metric := Metric{
		Timestamp: time.Now(),
		Component: component,
		Name:      name,
		Value:     value,
		Type:      metricType,
		Fields:    userFields,
	}

	dispatchMetric(metric)
	return metric, true
}

// dispatchMetric invokes handlers outside the lock; a handler may itself emit
// a metric and must not deadlock on re-entry.
func dispatchMetric(metric Metric) {
	handlersMu.RLock()
	if len(handlers) == 0 {
		handlersMu.RUnlock()
		return
	}
	snapshot := make([]MetricHandler, 0, len(handlers))
	for _, h := range handlers {
		if h != nil {
			snapshot = append(snapshot, h)
		}
	}
	handlersMu.RUnlock()

	for _, h := range snapshot {
		h(metric)
	}
}

func cloneFields(fields logger.Fields) logger.Fields {
	copied := make(logger.Fields, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	return copied
}
