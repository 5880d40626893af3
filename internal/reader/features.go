package reader

import (
	"encoding/json"

	"github.com/quantfold/tickpipe/internal/model"
)

// featureJSON tolerates the historical field aliases (ofi_z for z_ofi, cvd_z
// for z_cvd) still produced by older feature writers.
type featureJSON struct {
	model.FeatureRow
	OFIZAlias *float64 `json:"ofi_z"`
	CVDZAlias *float64 `json:"cvd_z"`
}

// ParseFeatureRow decodes one feature record, applying the aliases. Shared
// with the live stream sources so file replay and streaming agree on the
// wire format.
func ParseFeatureRow(raw []byte) (*model.FeatureRow, error) {
	return parseFeatureRow(raw)
}

func parseFeatureRow(raw []byte) (*model.FeatureRow, error) {
	var aux featureJSON
	if err := json.Unmarshal(raw, &aux); err != nil {
		return nil, err
	}
	row := aux.FeatureRow
	if row.ZOFI == 0 && aux.OFIZAlias != nil {
		row.ZOFI = *aux.OFIZAlias
	}
	if row.ZCVD == 0 && aux.CVDZAlias != nil {
		row.ZCVD = *aux.CVDZAlias
	}
	if row.VolBps == 0 && row.Return1s != 0 {
		row.VolBps = abs(row.Return1s)
	}
	return &row, nil
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
