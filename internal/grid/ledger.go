package grid

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"grid_quant/internal/domain"
)

const fingerprintPrefix = "# fingerprint "

var ledgerHeader = []string{"index", "price", "buy_order_id", "sell_order_id"}

// Fingerprint identifies the config a ladder was generated from.
type Fingerprint struct {
	Upper  float64
	Lower  float64
	Spread float64
}

func FingerprintOf(cfg domain.GridConfig) Fingerprint {
	return Fingerprint{Upper: cfg.UpperPrice, Lower: cfg.LowerPrice, Spread: cfg.GridSpread}
}

func (f Fingerprint) String() string {
	return fmt.Sprintf("upper=%s lower=%s spread=%s", formatFloat(f.Upper), formatFloat(f.Lower), formatFloat(f.Spread))
}

func parseFingerprint(line string) (Fingerprint, error) {
	var fp Fingerprint
	if !strings.HasPrefix(line, fingerprintPrefix) {
		return fp, fmt.Errorf("missing fingerprint line")
	}
	seen := 0
	for _, field := range strings.Fields(strings.TrimPrefix(line, fingerprintPrefix)) {
		k, v, ok := strings.Cut(field, "=")
		if !ok {
			return fp, fmt.Errorf("bad fingerprint field %q", field)
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fp, fmt.Errorf("bad fingerprint value %q: %w", field, err)
		}
		switch k {
		case "upper":
			fp.Upper = f
		case "lower":
			fp.Lower = f
		case "spread":
			fp.Spread = f
		default:
			continue
		}
		seen++
	}
	if seen != 3 {
		return fp, fmt.Errorf("incomplete fingerprint %q", line)
	}
	return fp, nil
}

// Ledger 网格账本：首行是配置指纹注释，然后是表头，每档一行。
type Ledger struct {
	path string
}

func NewLedger(path string) *Ledger {
	return &Ledger{path: path}
}

// LedgerPath builds the per-strategy file name under dir.
func LedgerPath(dir string, key domain.StrategyKey) string {
	name := strings.ToLower(strings.NewReplacer("/", "", ":", "", " ", "").Replace(key.Symbol))
	return filepath.Join(dir, fmt.Sprintf("grid_%s_%s.csv", name, key.Direction))
}

func (l *Ledger) Path() string { return l.path }

// Load reads the fingerprint and levels. A missing file yields an os.ErrNotExist error.
func (l *Ledger) Load() (Fingerprint, []domain.GridLevel, error) {
	f, err := os.Open(l.path)
	if err != nil {
		return Fingerprint{}, nil, err
	}
	defer f.Close()
	return decodeLedger(f)
}

// Save rewrites the whole ledger through a temp file + rename.
func (l *Ledger) Save(fp Fingerprint, levels []domain.GridLevel) error {
	data, err := encodeLedger(fp, levels)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(l.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := l.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, l.path)
}

func encodeLedger(fp Fingerprint, levels []domain.GridLevel) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(fingerprintPrefix + fp.String() + "\n")
	w := csv.NewWriter(&buf)
	if err := w.Write(ledgerHeader); err != nil {
		return nil, err
	}
	for _, lvl := range levels {
		row := []string{strconv.Itoa(lvl.Index), formatFloat(lvl.Price), lvl.BuyOrderID, lvl.SellOrderID}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

func decodeLedger(r io.Reader) (Fingerprint, []domain.GridLevel, error) {
	br := bufio.NewReader(r)
	first, err := br.ReadString('\n')
	if err != nil && first == "" {
		return Fingerprint{}, nil, fmt.Errorf("empty ledger: %w", err)
	}
	fp, err := parseFingerprint(strings.TrimRight(first, "\r\n"))
	if err != nil {
		return Fingerprint{}, nil, err
	}

	cr := csv.NewReader(br)
	cr.FieldsPerRecord = len(ledgerHeader)
	rows, err := cr.ReadAll()
	if err != nil {
		return fp, nil, fmt.Errorf("read ledger rows: %w", err)
	}
	if len(rows) == 0 || rows[0][0] != ledgerHeader[0] {
		return fp, nil, fmt.Errorf("missing ledger header")
	}

	levels := make([]domain.GridLevel, 0, len(rows)-1)
	for i, row := range rows[1:] {
		idx, err := strconv.Atoi(row[0])
		if err != nil {
			return fp, nil, fmt.Errorf("row %d index: %w", i, err)
		}
		if idx != i {
			return fp, nil, fmt.Errorf("row %d has index %d, ledger indices must be dense", i, idx)
		}
		price, err := strconv.ParseFloat(row[1], 64)
		if err != nil {
			return fp, nil, fmt.Errorf("row %d price: %w", i, err)
		}
		if i > 0 && price <= levels[i-1].Price {
			return fp, nil, fmt.Errorf("row %d price %v not above previous %v", i, price, levels[i-1].Price)
		}
		levels = append(levels, domain.GridLevel{Index: idx, Price: price, BuyOrderID: row[2], SellOrderID: row[3]})
	}
	return fp, levels, nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
