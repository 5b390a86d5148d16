package audit

import "flashpool/internal/model"

// Sink receives loans that reached a terminal state.
type Sink interface {
	PutLoanBatch(records []model.LoanRecord) error
}

// MultiSink fans records out to several sinks, stopping on the first error.
type MultiSink []Sink

func (m MultiSink) PutLoanBatch(records []model.LoanRecord) error {
	for _, sink := range m {
		if err := sink.PutLoanBatch(records); err != nil {
			return err
		}
	}
	return nil
}
