// Package engine executes task templates against resolved target hosts.
//
// # Overview
//
// An execution has two phases owned by two types:
//
//  1. Preparation (Preparer) - loads the template, persists the task with its
//     target associations, marks it running, resolves hosts and fetches the
//     encrypted credential. This is the only phase that talks to the store.
//  2. Streaming (Streamer) - unlocks the credential into a temporary key
//     file, runs the strategy for the template kind and reports progress as
//     progress.Event values. It is a pure function of the Session.
//
// The caller drains the stream and then reports the outcome with
// Preparer.MarkCompleted or Preparer.MarkFailed.
//
// # Strategies
//
// Two strategies are registered by default:
//
//   - ansible: one ansible-playbook run over a generated inventory of all hosts.
//   - bash: the script is rendered with Render and run on each host in turn,
//     locally for LocalHost and through "ssh host bash -s" otherwise.
//
// Further kinds can be added with Streamer.Register.
//
// # Usage
//
//	sess, err := preparer.Prepare(ctx, engine.TaskRequest{TemplateID: 3})
//	if err != nil {
//	    return err
//	}
//	var outcome progress.Outcome
//	for ev := range streamer.Stream(ctx, sess) {
//	    outcome.Observe(ev)
//	    fmt.Println(ev.Message)
//	}
//	if outcome.Completed() {
//	    return preparer.MarkCompleted(ctx, sess)
//	}
//	return preparer.MarkFailed(ctx, sess, outcome.Err())
package engine
