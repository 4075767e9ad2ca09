// Package check finds and optionally repairs structural defects in a file
// system: nodes whose creation was never finalized and child references
// that point at missing nodes.
package check

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/appfs/internal/logging"
	"github.com/fruitsalade/appfs/internal/metrics"
	"github.com/fruitsalade/appfs/internal/storage"
	"github.com/fruitsalade/appfs/pkg/models"
)

// Checker runs consistency checks against one node store.
type Checker struct {
	store storage.NodeStore
}

// New creates a checker for store.
func New(store storage.NodeStore) *Checker {
	return &Checker{store: store}
}

// inspected returns the store whose records are scanned. Routers expose
// their tree delegate; repairs still go through the router.
func (c *Checker) inspected() storage.NodeStore {
	if r, ok := c.store.(interface{ NodeBackend() storage.NodeStore }); ok {
		return r.NodeBackend()
	}
	return c.store
}

// Check reports one issue per defect of the requested types. A single
// failing node never aborts the scan. Nodes that disappear while the check
// runs are treated as resolved.
func (c *Checker) Check(ctx context.Context, opts models.FileSystemCheckOptions) ([]models.FileSystemCheckIssue, error) {
	if rc, ok := c.store.(storage.RemoteChecker); ok {
		return rc.CheckFileSystem(ctx, opts)
	}

	start := time.Now()
	fs := c.store.FileSystemName()
	log := logging.WithContext(ctx).With(zap.String("file_system", fs), zap.Bool("repair", opts.Repair))

	nodes, err := c.collect(ctx)
	if err != nil {
		return nil, err
	}

	issues := []models.FileSystemCheckIssue{}
	if opts.Includes(models.IssueExpirationInconsistent) {
		if opts.InconsistentNodesExpirationTime == nil {
			log.Warn("expiration check requested without an expiration time, skipping")
		} else {
			issues = append(issues, c.expired(ctx, nodes, *opts.InconsistentNodesExpirationTime, opts.Repair)...)
		}
	}
	if opts.Includes(models.IssueMissingChildNode) {
		issues = append(issues, c.missingChildren(ctx, nodes, opts.Repair)...)
	}

	for _, issue := range issues {
		metrics.RecordCheckIssue(string(issue.Type), issue.Repaired)
	}
	log.Info("file system check completed",
		zap.Int("nodes", len(nodes)),
		zap.Int("issues", len(issues)),
		zap.Duration("duration", time.Since(start)))
	return issues, nil
}

// collect returns every stored node. Stores that cannot enumerate their
// records are walked from the root.
func (c *Checker) collect(ctx context.Context) ([]models.Node, error) {
	store := c.inspected()
	var nodes []models.Node

	if scanner, ok := store.(storage.NodeScanner); ok {
		err := scanner.ScanNodes(ctx, func(n models.Node) error {
			nodes = append(nodes, n)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scan nodes: %w", err)
		}
		return nodes, nil
	}

	root, err := store.GetRootNode(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get root node: %w", err)
	}

	queue := []models.Node{root}
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n := queue[0]
		queue = queue[1:]
		nodes = append(nodes, n)

		children, err := store.GetChildNodes(ctx, n.ID)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("list children of %s: %w", n.ID, err)
		}
		queue = append(queue, children...)
	}
	return nodes, nil
}

func (c *Checker) expired(ctx context.Context, nodes []models.Node, threshold time.Time, repair bool) []models.FileSystemCheckIssue {
	var issues []models.FileSystemCheckIssue
	for _, n := range nodes {
		if n.Consistent || n.IsRoot() || !n.ModificationTime.Before(threshold) {
			continue
		}

		issue := models.FileSystemCheckIssue{
			NodeID:      n.ID,
			Name:        n.Name,
			Type:        models.IssueExpirationInconsistent,
			Description: fmt.Sprintf("node %s is inconsistent since %s", n.ID, n.ModificationTime.Format(time.RFC3339)),
		}
		if repair {
			_, err := c.store.DeleteNode(ctx, n.ID)
			switch {
			case err == nil:
				issue.Repaired = true
				issue.RepairDescription = "deleted the node and its subtree"
			case errors.Is(err, storage.ErrNotFound):
				issue.Repaired = true
				issue.RepairDescription = "node was already removed"
			default:
				logging.Warn("failed to delete expired inconsistent node",
					zap.String("node_id", n.ID),
					zap.Error(err))
			}
			if issue.Repaired {
				logging.Info("repaired expired inconsistent node", zap.String("node_id", n.ID))
			}
		}
		issues = append(issues, issue)
	}
	return issues
}

func (c *Checker) missingChildren(ctx context.Context, nodes []models.Node, repair bool) []models.FileSystemCheckIssue {
	index, ok := c.inspected().(storage.ChildIndex)
	if !ok {
		logging.Debug("store keeps no separate child index, skipping missing child check",
			zap.String("file_system", c.store.FileSystemName()))
		return nil
	}

	var issues []models.FileSystemCheckIssue
	for _, parent := range nodes {
		refs, err := index.ChildReferences(ctx, parent.ID)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			logging.Warn("failed to read child references",
				zap.String("node_id", parent.ID),
				zap.Error(err))
			continue
		}

		for _, ref := range refs {
			_, err := c.inspected().GetNodeInfo(ctx, ref.ID)
			if err == nil {
				continue
			}
			if !errors.Is(err, storage.ErrNotFound) {
				logging.Warn("failed to load child node",
					zap.String("node_id", ref.ID),
					zap.Error(err))
				continue
			}

			issue := models.FileSystemCheckIssue{
				NodeID:      ref.ID,
				Name:        ref.Name,
				Type:        models.IssueMissingChildNode,
				Description: fmt.Sprintf("node %s lists missing child %s", parent.ID, ref.ID),
			}
			if repair {
				err := index.RemoveChildReference(ctx, parent.ID, ref.ID)
				switch {
				case err == nil:
					issue.Repaired = true
					issue.RepairDescription = "removed the reference from " + parent.ID
				case errors.Is(err, storage.ErrNotFound):
					issue.Repaired = true
					issue.RepairDescription = "reference was already removed"
				default:
					logging.Warn("failed to remove dangling child reference",
						zap.String("node_id", parent.ID),
						zap.String("child_id", ref.ID),
						zap.Error(err))
				}
			}
			issues = append(issues, issue)
		}
	}
	return issues
}
