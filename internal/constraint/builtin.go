package constraint

import (
	"fmt"
	"slices"
	"sort"

	"github.com/seantiz/crucible/internal/model"
)

// MaxFiles rejects batches announcing more than limit input files.
func MaxFiles(limit int64) Checker[*model.Batch] {
	return Func[*model.Batch](func(b *model.Batch) []Violation {
		if n := b.TotalFiles(); n > limit {
			return []Violation{{Field: "fileset_stats", Message: fmt.Sprintf("%d files exceed the limit of %d", n, limit)}}
		}
		return nil
	})
}

// MaxTotalSize rejects batches whose input exceeds limit bytes.
func MaxTotalSize(limit int64) Checker[*model.Batch] {
	return Func[*model.Batch](func(b *model.Batch) []Violation {
		if n := b.TotalSize(); n > limit {
			return []Violation{{Field: "fileset_stats", Message: fmt.Sprintf("%d bytes exceed the limit of %d", n, limit)}}
		}
		return nil
	})
}

// LinkedDatasets rejects batches announcing a dataset outside names. No names
// means every dataset is linked.
func LinkedDatasets(names ...string) Checker[*model.Batch] {
	if len(names) == 0 {
		return None[*model.Batch]()
	}
	linked := slices.Clone(names)
	return Func[*model.Batch](func(b *model.Batch) []Violation {
		var unlinked []string
		for ds := range b.FileStats {
			if !slices.Contains(linked, ds) {
				unlinked = append(unlinked, ds)
			}
		}
		sort.Strings(unlinked)

		out := make([]Violation, 0, len(unlinked))
		for _, ds := range unlinked {
			out = append(out, Violation{Field: "fileset_stats", Message: fmt.Sprintf("dataset %q is not linked to the process", ds)})
		}
		return out
	})
}

// MaxInputFiles rejects executions with more than limit input files.
func MaxInputFiles(limit int) Checker[*model.Execution] {
	return Func[*model.Execution](func(e *model.Execution) []Violation {
		if n := len(e.InputFiles); n > limit {
			return []Violation{{Field: "input_files", Message: fmt.Sprintf("%d files exceed the limit of %d", n, limit)}}
		}
		return nil
	})
}

// MaxInputSize rejects executions whose input exceeds limit bytes.
func MaxInputSize(limit int64) Checker[*model.Execution] {
	return Func[*model.Execution](func(e *model.Execution) []Violation {
		if n := e.InputSize(); n > limit {
			return []Violation{{Field: "input_files", Message: fmt.Sprintf("%d bytes exceed the limit of %d", n, limit)}}
		}
		return nil
	})
}
