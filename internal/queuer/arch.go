package queuer

import (
	"context"
	"fmt"
	"io"

	"github.com/newsarc/pipeline/internal/archive"
	"github.com/newsarc/pipeline/internal/story"
)

// ParseArchive re-queues stories from a previously written archive file, for
// reindexing after a mapping change. The harness has already decompressed
// the stream.
func ParseArchive(_ context.Context, name string, r io.Reader, emit func(*story.Story) error) error {
	ar := archive.NewPlainReader(r)
	for {
		s, err := ar.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read archive %s: %w", name, err)
		}
		if err := emit(s); err != nil {
			return err
		}
	}
}
