package logging

import (
	"sync"
	"time"

	"github.com/gologme/log"
	"github.com/google/uuid"
)

// Transfer tracks a single large message transfer (fetch or send)
type Transfer struct {
	OpID       string
	Ref        string
	TotalSize  int64
	Stage      string // "FETCH", "SEND"
	StartTime  time.Time
	Milestones []Milestone
	mu         sync.Mutex
}

// Milestone represents a progress checkpoint
type Milestone struct {
	Timestamp time.Time
	Bytes     int64
	Message   string
}

// TransferLogger logs progress of transfers larger than a threshold. A nil
// *TransferLogger is valid and logs nothing.
type TransferLogger struct {
	log        *log.Logger
	threshold  int64
	interval   int64
	operations sync.Map // map[string]*Transfer
}

// NewTransferLogger creates a logger that tracks transfers of at least
// threshold bytes and records a milestone every interval bytes.
func NewTransferLogger(logger *log.Logger, threshold, interval int64) *TransferLogger {
	return &TransferLogger{
		log:       logger,
		threshold: threshold,
		interval:  interval,
	}
}

// Start begins tracking a transfer and returns its operation ID. size may
// be zero when the length is not known in advance; such transfers are
// tracked once they cross the threshold.
func (l *TransferLogger) Start(stage, ref string, size int64) string {
	if l == nil {
		return ""
	}
	op := &Transfer{
		OpID:      uuid.NewString()[:8],
		Ref:       ref,
		TotalSize: size,
		Stage:     stage,
		StartTime: time.Now(),
	}
	l.operations.Store(op.OpID, op)

	if size >= l.threshold {
		l.log.Infof("[Transfer:%s] START %s %s Size=%d bytes (%.2f MB)",
			op.OpID, stage, ref, size, float64(size)/(1024*1024))
	}
	return op.OpID
}

// Progress records the running byte count of a transfer. A milestone is
// logged each time the count crosses the next interval above the threshold.
func (l *TransferLogger) Progress(opID string, bytes int64) {
	if l == nil {
		return
	}
	value, ok := l.operations.Load(opID)
	if !ok {
		return
	}

	op := value.(*Transfer)
	op.mu.Lock()
	defer op.mu.Unlock()

	if bytes < l.threshold {
		return
	}
	var last int64
	if n := len(op.Milestones); n > 0 {
		last = op.Milestones[n-1].Bytes
	}
	if last != 0 && bytes-last < l.interval {
		return
	}
	op.Milestones = append(op.Milestones, Milestone{
		Timestamp: time.Now(),
		Bytes:     bytes,
	})

	elapsed := time.Since(op.StartTime).Seconds()
	var speed float64
	if elapsed > 0 {
		speed = float64(bytes) / elapsed / (1024 * 1024) // MB/s
	}
	if op.TotalSize > 0 {
		l.log.Infof("[Transfer:%s] %s - %.1f%% (%d/%d) Speed=%.2f MB/s",
			opID, op.Stage, float64(bytes)/float64(op.TotalSize)*100, bytes, op.TotalSize, speed)
	} else {
		l.log.Infof("[Transfer:%s] %s - %d bytes Speed=%.2f MB/s", opID, op.Stage, bytes, speed)
	}
}

// End finalizes a transfer. err is nil on success.
func (l *TransferLogger) End(opID string, bytes int64, err error) {
	if l == nil {
		return
	}
	value, ok := l.operations.LoadAndDelete(opID)
	if !ok {
		return
	}

	op := value.(*Transfer)
	op.mu.Lock()
	elapsed := time.Since(op.StartTime)
	large := bytes >= l.threshold || op.TotalSize >= l.threshold
	op.mu.Unlock()

	switch {
	case err != nil:
		l.log.Errorf("[Transfer:%s] FAILED %s %s Duration=%v Error: %v",
			opID, op.Stage, op.Ref, elapsed.Round(time.Millisecond), err)
	case large:
		var avgSpeed float64
		if elapsed.Seconds() > 0 {
			avgSpeed = float64(bytes) / elapsed.Seconds() / (1024 * 1024)
		}
		l.log.Infof("[Transfer:%s] SUCCESS %s %s Bytes=%d Duration=%v AvgSpeed=%.2f MB/s",
			opID, op.Stage, op.Ref, bytes, elapsed.Round(time.Millisecond), avgSpeed)
	}
}

// Active returns the count of transfers currently tracked
func (l *TransferLogger) Active() int {
	if l == nil {
		return 0
	}
	count := 0
	l.operations.Range(func(key, value interface{}) bool {
		count++
		return true
	})
	return count
}

// TransferStatus is the state of a transfer that has not ended.
type TransferStatus struct {
	OpID  string
	Stage string
	Ref   string
	Bytes int64 // at the latest milestone
}

// Pending lists the transfers that have started but not ended.
func (l *TransferLogger) Pending() []TransferStatus {
	if l == nil {
		return nil
	}
	var pending []TransferStatus
	l.operations.Range(func(key, value interface{}) bool {
		op := value.(*Transfer)
		op.mu.Lock()
		st := TransferStatus{OpID: op.OpID, Stage: op.Stage, Ref: op.Ref}
		if n := len(op.Milestones); n > 0 {
			st.Bytes = op.Milestones[n-1].Bytes
		}
		op.mu.Unlock()
		pending = append(pending, st)
		return true
	})
	return pending
}
