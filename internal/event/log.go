package event

// Log is the append-only, monotonically sequenced event log for one run.
// It is the sole channel (together with the balance snapshot) through which
// the core's behavior becomes observable.
type Log struct {
	records []Record
	seq     int64
}

func NewLog() *Log {
	return &Log{}
}

// Append assigns the next sequence number, stamps the string tags from the
// typed discriminators, and appends the record.
func (l *Log) Append(day int, phase Phase, kind Kind, r Record) Record {
	l.seq++
	r.Seq = l.seq
	r.Day = day
	r.Phase = phase.String()
	r.Kind = kind.String()
	r.phase = phase
	r.kind = kind
	l.records = append(l.records, r)
	return r
}

// Records returns the full log in append order.
func (l *Log) Records() []Record {
	return l.records
}

// DayRecords returns the records emitted on one day, in append order.
func (l *Log) DayRecords(day int) []Record {
	var out []Record
	for _, r := range l.records {
		if r.Day == day {
			out = append(out, r)
		}
	}
	return out
}

// Len returns the number of records appended so far.
func (l *Log) Len() int {
	return len(l.records)
}
