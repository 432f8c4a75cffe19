package content

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// Origin serves the manifest and collection payloads. Paths are
// slash-separated and relative to the origin root.
//
// Errors wrap ErrNetwork for transport failures, including an expired
// deadline on ctx, and ErrOriginNotFound when the object does not exist.
// Cancellation of ctx is returned as-is.
type Origin interface {
	Fetch(ctx context.Context, path string) ([]byte, error)
}

// OriginFunc adapts a function to the Origin interface.
type OriginFunc func(ctx context.Context, path string) ([]byte, error)

func (f OriginFunc) Fetch(ctx context.Context, path string) ([]byte, error) {
	return f(ctx, path)
}

// originFailure classifies a failed request for target. A cancelled caller
// gets its own error back; an expired deadline is a network failure that
// still matches context.DeadlineExceeded.
func originFailure(ctx context.Context, op, target string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.Canceled) {
			return ctxErr
		}
		return fmt.Errorf("%w: %s %s: %w", ErrNetwork, op, target, ctxErr)
	}
	return fmt.Errorf("%w: %s %s: %v", ErrNetwork, op, target, err)
}

// cleanOriginPath normalises p and rejects paths that escape the origin root.
func cleanOriginPath(p string) (string, error) {
	p = strings.TrimSpace(p)
	if p == "" {
		return "", fmt.Errorf("%w: empty origin path", ErrOriginNotFound)
	}
	cleaned := path.Clean("/" + strings.TrimLeft(p, "/"))
	cleaned = strings.TrimPrefix(cleaned, "/")
	if cleaned == "" || cleaned == "." {
		return "", fmt.Errorf("%w: empty origin path", ErrOriginNotFound)
	}
	for _, segment := range strings.Split(p, "/") {
		if segment == ".." {
			return "", fmt.Errorf("%w: origin path %q escapes root", ErrOriginNotFound, p)
		}
	}
	return cleaned, nil
}

// LocalOrigin serves files from a directory. It stands in for a remote
// origin in development and tests.
type LocalOrigin struct {
	Root string
}

func NewLocalOrigin(root string) *LocalOrigin {
	return &LocalOrigin{Root: root}
}

func (o *LocalOrigin) Fetch(ctx context.Context, p string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, originFailure(ctx, "read", p, err)
	}
	cleaned, err := cleanOriginPath(p)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filepath.Join(o.Root, filepath.FromSlash(cleaned)))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrOriginNotFound, cleaned)
		}
		return nil, fmt.Errorf("%w: read %s: %v", ErrNetwork, cleaned, err)
	}
	return data, nil
}
