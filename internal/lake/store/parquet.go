package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/xitongsys/parquet-go-source/buffer"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/reader"
	"github.com/xitongsys/parquet-go/writer"

	"github.com/OCWC22/neuralake/internal/frame"
	"github.com/OCWC22/neuralake/internal/lake"
)

// rowRecord is the parquet record layout for data files. The physical
// columnar format is an external codec; rows travel as a JSON payload
// column so files stay readable under any schema the table evolves to.
type rowRecord struct {
	// Payload holds the row as a JSON object.
	Payload string `parquet:"name=payload, type=BYTE_ARRAY, convertedtype=UTF8"`
}

const (
	parquetConcurrency = 4
	parquetRowGroup    = 128 * 1024 * 1024 // 128MB row groups
)

// encodeRows writes a batch of rows into an in-memory parquet file.
func encodeRows(rows []frame.Row) ([]byte, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("no rows to encode")
	}

	fw := buffer.NewBufferFile()
	pw, err := writer.NewParquetWriter(fw, new(rowRecord), parquetConcurrency)
	if err != nil {
		return nil, fmt.Errorf("create parquet writer: %w", err)
	}

	pw.CompressionType = parquet.CompressionCodec_SNAPPY
	pw.RowGroupSize = parquetRowGroup

	for _, row := range rows {
		payload, err := json.Marshal(row)
		if err != nil {
			return nil, fmt.Errorf("marshal row: %w", err)
		}
		if err := pw.Write(&rowRecord{Payload: string(payload)}); err != nil {
			return nil, fmt.Errorf("write record: %w", err)
		}
	}

	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("close parquet writer: %w", err)
	}

	return fw.Bytes(), nil
}

// decodeRows reads every row out of an encoded parquet file.
func decodeRows(data []byte) ([]frame.Row, error) {
	fr := buffer.NewBufferFileFromBytes(data)
	pr, err := reader.NewParquetReader(fr, new(rowRecord), parquetConcurrency)
	if err != nil {
		return nil, fmt.Errorf("create parquet reader: %w", err)
	}
	defer pr.ReadStop()

	num := int(pr.GetNumRows())
	records := make([]rowRecord, num)
	if err := pr.Read(&records); err != nil {
		return nil, fmt.Errorf("read records: %w", err)
	}

	rows := make([]frame.Row, 0, num)
	for _, rec := range records {
		var row frame.Row
		if err := json.Unmarshal([]byte(rec.Payload), &row); err != nil {
			return nil, fmt.Errorf("unmarshal row: %w", err)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// projectRow shapes a decoded row to the snapshot schema: values are
// coerced back to their logical types (JSON turns all numbers into
// float64) and columns the file predates come back as nil.
func projectRow(schema lake.Schema, raw frame.Row) frame.Row {
	row := make(frame.Row, len(schema.Columns))
	for _, col := range schema.Columns {
		value, ok := raw[col.Name]
		if !ok || value == nil {
			row[col.Name] = nil
			continue
		}
		row[col.Name] = coerceValue(col.Type, value)
	}
	return row
}

func coerceValue(t lake.ColumnType, value any) any {
	switch t {
	case lake.TypeInt32:
		if f, ok := value.(float64); ok {
			return int32(f)
		}
	case lake.TypeInt64:
		if f, ok := value.(float64); ok {
			return int64(f)
		}
	case lake.TypeFloat32:
		if f, ok := value.(float64); ok {
			return float32(f)
		}
	case lake.TypeTimestamp, lake.TypeDate:
		if s, ok := value.(string); ok {
			if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
				return ts
			}
		}
	}
	return value
}
