/*Package shotlog appends one CSV row per finalized shot.

The log is the experiment's paper trail; it is append-only and the file
is created (with a header) on first use so a fresh run directory needs no
setup.
*/
package shotlog

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

var header = []string{"shot", "time", "mode", "files"}

// Log appends shot records to one CSV file.  Safe for concurrent use.
type Log struct {
	mu   sync.Mutex
	path string
}

// New returns a Log writing to path.  The file is not touched until the
// first Append.
func New(path string) *Log {
	return &Log{path: path}
}

// Record is one row.
type Record struct {
	Shot  int
	Time  time.Time
	Mode  string
	Files []string
}

// Append writes one record, creating the file and header if needed.
func (l *Log) Append(r Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, statErr := os.Stat(l.path)
	fresh := os.IsNotExist(statErr)

	fd, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0666)
	if err != nil {
		return fmt.Errorf("shotlog: opening %s: %w", l.path, err)
	}
	defer fd.Close()

	w := csv.NewWriter(fd)
	if fresh {
		if err := w.Write(header); err != nil {
			return err
		}
	}
	row := []string{
		strconv.Itoa(r.Shot),
		r.Time.Format(time.RFC3339Nano),
		r.Mode,
		strings.Join(r.Files, ";"),
	}
	if err := w.Write(row); err != nil {
		return err
	}
	w.Flush()
	return w.Error()
}
