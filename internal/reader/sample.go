package reader

import "math/rand"

// SampleRows draws n rows from the file using the given method. Sampling
// is restartable: the same (method, seed, n) over an unchanged file
// yields the same rows.
func (r *FileReader) SampleRows(n int, method SampleMethod, seed int64) ([]Row, error) {
	switch method {
	case SampleHead:
		return r.sampleHead(n)
	case SampleUniform:
		return r.sampleUniform(n, seed)
	default:
		return r.sampleUniform(n, seed)
	}
}

// sampleHead takes the first n rows, deterministically.
func (r *FileReader) sampleHead(n int) ([]Row, error) {
	stream, err := r.StreamRows(nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = stream.Close() }()

	rows := make([]Row, 0, n)
	for len(rows) < n && stream.Next() {
		rows = append(rows, stream.Row())
	}
	if err := stream.Err(); err != nil {
		return nil, err
	}
	return rows, nil
}

// sampleUniform performs reservoir sampling (Algorithm R) of n rows from
// the full file in a single pass, seeded for restartability.
func (r *FileReader) sampleUniform(n int, seed int64) ([]Row, error) {
	stream, err := r.StreamRows(nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = stream.Close() }()

	rng := rand.New(rand.NewSource(seed))
	reservoir := make([]Row, 0, n)
	var seen int64

	for stream.Next() {
		row := stream.Row()
		seen++
		if len(reservoir) < n {
			reservoir = append(reservoir, row)
			continue
		}
		j := rng.Int63n(seen)
		if j < int64(n) {
			reservoir[j] = row
		}
	}
	if err := stream.Err(); err != nil {
		return nil, err
	}
	return reservoir, nil
}
