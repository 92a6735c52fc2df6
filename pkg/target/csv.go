package target

import (
	"bytes"
	"context"
	"encoding/csv"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/supporttools/GoBackupGuard/pkg/config"
)

type csvTarget struct {
	info    Info
	dataset Dataset
	log     logrus.FieldLogger
}

func newCSVTarget(source string, metadata map[string]interface{}, opts Options) (*csvTarget, error) {
	dataset, err := LookupDataset(opts.Datasets, source)
	if err != nil {
		return nil, err
	}
	return &csvTarget{
		info:    Info{Kind: config.KindCSV, Source: source, Metadata: cloneMetadata(metadata)},
		dataset: dataset,
		log:     opts.Log.WithFields(logrus.Fields{"kind": config.KindCSV, "source": source}),
	}, nil
}

func (t *csvTarget) Info() Info { return t.info }

// CreateBackup exports the dataset with a header row
func (t *csvTarget) CreateBackup(ctx context.Context) ([]byte, error) {
	header, rows, err := t.dataset.Export(ctx)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(header); err != nil {
		return nil, errors.Wrap(err, "failed to write csv header")
	}
	if err := w.WriteAll(rows); err != nil {
		return nil, errors.Wrap(err, "failed to write csv rows")
	}
	t.log.WithField("rows", len(rows)).Debug("Exported dataset")
	return buf.Bytes(), nil
}

// ParseCSV splits a CSV payload into its header and rows
func ParseCSV(data []byte) ([]string, [][]string, error) {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true
	records, err := r.ReadAll()
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to parse csv")
	}
	if len(records) == 0 {
		return nil, nil, nil
	}
	return records[0], records[1:], nil
}
