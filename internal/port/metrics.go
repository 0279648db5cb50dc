package port

type Metrics interface {
	SetConnections(devices, tablets int)
	ObserveCompletion(outcome string)
	IncLockConflict()
	IncDeliveryFailure(target string)
	SetStaleLineItems(n int)
}

type NopMetrics struct{}

func (NopMetrics) SetConnections(int, int)   {}
func (NopMetrics) ObserveCompletion(string)  {}
func (NopMetrics) IncLockConflict()          {}
func (NopMetrics) IncDeliveryFailure(string) {}
func (NopMetrics) SetStaleLineItems(int)     {}
