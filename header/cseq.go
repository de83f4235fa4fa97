package header

import (
	"fmt"
	"log/slog"

	"github.com/ghettovoice/sipcore/internal/util"
)

// CSeq is the CSeq header field value.
type CSeq struct {
	SeqNum uint32 `json:"seq_num"`
	Method string `json:"method"`
}

func (c CSeq) String() string {
	return fmt.Sprintf("%d %s", c.SeqNum, c.Method)
}

// Equal compares CSeq values; the method is case-insensitive.
func (c CSeq) Equal(val any) bool {
	var other CSeq
	switch v := val.(type) {
	case CSeq:
		other = v
	case *CSeq:
		if v == nil {
			return false
		}
		other = *v
	default:
		return false
	}
	return c.SeqNum == other.SeqNum && util.EqFold(c.Method, other.Method)
}

func (c CSeq) IsValid() bool { return c.SeqNum > 0 && c.Method != "" }

// LogValue implements [slog.LogValuer].
func (c CSeq) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Uint64("seq_num", uint64(c.SeqNum)),
		slog.String("method", c.Method),
	)
}
