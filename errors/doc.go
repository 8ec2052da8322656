// Package errors provides the error classification used across sessionflow.
//
// Errors fall into three classes: Transient (retry), Invalid (bad input or
// protocol data, do not retry) and Fatal (deployment or configuration mistake,
// stop processing). The classes drive the mediator's retry machinery:
//
//	if errors.IsFatal(err) {
//	    return err // e.g. errors.ErrNoRoute, surfaces to the supervision tree
//	}
//	if errors.IsTransient(err) {
//	    // back off and retry from the last committed state
//	}
//
// Wrap third-party errors with component context using the
// "component.method: action failed: cause" format:
//
//	return errors.WrapTransient(err, "natskv", "Update", "kv update")
//
// Optimistic version conflicts in the state store are NOT errors. They come
// back as per-key failure maps so that callers decide between retry and
// surfacing. ErrVersionConflict exists for callers that want to turn such a
// map entry into an error value.
package errors
