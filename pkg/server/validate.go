package server

import (
	"fmt"
	"reflect"

	"github.com/mikekulinski/zkclient/pkg/utils"
	pbzk "github.com/mikekulinski/zkclient/proto"
)

// validateRequest verifies that the paths received from the client are valid and that the body
// matches the op.
func validateRequest(req *pbzk.ZookeeperRequest) error {
	// Unknown ops are left for the caller to reject.
	if expected, err := pbzk.NewRequestRecord(req.Op); err == nil && reflect.TypeOf(expected) != reflect.TypeOf(req.Message) {
		return fmt.Errorf("unexpected %s request body %T", req.Op, req.Message)
	}

	var paths []string
	switch m := req.Message.(type) {
	case *pbzk.CreateRequest:
		if !m.Mode.Valid() {
			return fmt.Errorf("unknown create mode %d", m.Mode)
		}
		paths = []string{m.Path}
	case *pbzk.DeleteRequest:
		paths = []string{m.Path}
	case *pbzk.PathWatchRequest:
		paths = []string{m.Path}
	case *pbzk.SetDataRequest:
		paths = []string{m.Path}
	case *pbzk.PathRecord:
		paths = []string{m.Path}
	case *pbzk.SetWatchesRequest:
		paths = append(paths, m.DataWatches...)
		paths = append(paths, m.ExistWatches...)
		paths = append(paths, m.ChildWatches...)
	case *pbzk.Empty:
	default:
		return fmt.Errorf("unexpected %s request body %T", req.Op, req.Message)
	}

	for _, path := range paths {
		if err := utils.ValidatePath(path); err != nil {
			return fmt.Errorf("%s %q: %w", req.Op, path, err)
		}
	}
	return nil
}
