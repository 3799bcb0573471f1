package openlist

import "context"

// WalkFunc is called once per visited directory with the entries split into
// subdirectories and files. Returning an error stops the walk and surfaces
// the error from Walk.
type WalkFunc func(dir string, subdirs, files []Entry) error

// Walk traverses the remote tree under root depth-first using an explicit
// worklist, so arbitrarily deep trees never grow the call stack.
//
// maxDepth -1 is unlimited, 0 visits nothing, N descends N levels. A listing
// failure on the root is returned; a failure inside a subtree is logged and
// that subtree is skipped, so one broken directory never aborts the rest of
// the walk.
func (c *Client) Walk(ctx context.Context, root string, maxDepth int, fn WalkFunc) error {
	if maxDepth == 0 {
		return nil
	}

	type pending struct {
		path  string
		depth int // levels remaining; -1 is unlimited
	}
	stack := []pending{{path: root, depth: maxDepth}}

	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}

		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		entries, err := c.ListAll(ctx, cur.path)
		if err != nil {
			if cur.path == root {
				return err
			}
			c.logger.Warn("skipping subtree after listing failure",
				"path", cur.path, "error", err)
			continue
		}

		var subdirs, files []Entry
		for _, e := range entries {
			if e.IsDir {
				subdirs = append(subdirs, e)
			} else {
				files = append(files, e)
			}
		}

		if err := fn(cur.path, subdirs, files); err != nil {
			return err
		}

		if cur.depth == 1 {
			continue
		}
		next := cur.depth
		if next > 0 {
			next--
		}
		// Push in reverse so the listed order is visited first.
		for i := len(subdirs) - 1; i >= 0; i-- {
			stack = append(stack, pending{path: subdirs[i].Path, depth: next})
		}
	}

	return nil
}
