package reader

import (
	"errors"
	"io"
	"os"

	"github.com/parquet-go/parquet-go"
)

// readParquetRows reads rows of T from a parquet file, row group by row
// group. An unopenable file counts as corrupt and yields zero rows; a corrupt
// row group is abandoned mid-read while the remaining groups are still
// attempted.
func readParquetRows[T any](path string, stats *Stats, fn func(*T) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return err
	}
	pf, err := parquet.OpenFile(f, st.Size())
	if err != nil {
		stats.CorruptRows++
		return nil
	}

	for _, rg := range pf.RowGroups() {
		r := parquet.NewGenericRowGroupReader[T](rg)
		buf := make([]T, 256)
		for {
			n, readErr := r.Read(buf)
			for i := 0; i < n; i++ {
				row := buf[i]
				if err := fn(&row); err != nil {
					r.Close()
					return err
				}
			}
			if readErr != nil {
				if !errors.Is(readErr, io.EOF) {
					stats.CorruptRows++
				}
				break
			}
		}
		r.Close()
	}
	return nil
}
