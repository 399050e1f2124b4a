package localstore

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

const TempIDPrefix = "temp_"

var ErrInvalidID = errors.New("invalid id")

// ID identifies a record. It is either temporary (assigned on the device
// before the remote has confirmed the record) or authoritative (assigned by
// the remote). The zero value is neither.
type ID struct {
	temp string
	auth int64
}

func TempID(value string) ID {
	value = strings.TrimSpace(value)
	if value == "" {
		return ID{}
	}
	if !strings.HasPrefix(value, TempIDPrefix) {
		value = TempIDPrefix + value
	}
	return ID{temp: value}
}

func AuthID(value int64) ID {
	return ID{auth: value}
}

var lastTempStamp atomic.Int64

// NewTempID returns a temporary id derived from the wall clock in
// nanoseconds. Stamps are forced strictly increasing so two calls in the
// same process never collide.
func NewTempID() ID {
	for {
		now := time.Now().UnixNano()
		last := lastTempStamp.Load()
		if now <= last {
			now = last + 1
		}
		if lastTempStamp.CompareAndSwap(last, now) {
			return ID{temp: TempIDPrefix + strconv.FormatInt(now, 10)}
		}
	}
}

func ParseID(value string) (ID, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return ID{}, ErrInvalidID
	}
	if strings.HasPrefix(value, TempIDPrefix) {
		if len(value) == len(TempIDPrefix) {
			return ID{}, ErrInvalidID
		}
		return ID{temp: value}, nil
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil || n <= 0 {
		return ID{}, fmt.Errorf("%w: %q", ErrInvalidID, value)
	}
	return ID{auth: n}, nil
}

func (id ID) IsTemp() bool {
	return id.temp != ""
}

func (id ID) IsZero() bool {
	return id.temp == "" && id.auth == 0
}

// Authoritative reports the remote id, if the id is authoritative.
func (id ID) Authoritative() (int64, bool) {
	if id.temp != "" || id.auth == 0 {
		return 0, false
	}
	return id.auth, true
}

func (id ID) String() string {
	if id.temp != "" {
		return id.temp
	}
	if id.auth == 0 {
		return ""
	}
	return strconv.FormatInt(id.auth, 10)
}

func (id ID) MarshalJSON() ([]byte, error) {
	switch {
	case id.temp != "":
		return json.Marshal(id.temp)
	case id.auth != 0:
		return []byte(strconv.FormatInt(id.auth, 10)), nil
	default:
		return []byte("null"), nil
	}
}

func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*id = ID{}
		return nil
	}
	if data[0] == '"' {
		var raw string
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
		parsed, err := ParseID(raw)
		if err != nil {
			return err
		}
		*id = parsed
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidID, string(data))
	}
	*id = ID{auth: n}
	return nil
}
