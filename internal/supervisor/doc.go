// Package supervisor keeps the exporter's long-running workers alive.
//
// Workers are registered in an explicit table of name and entry point. Run
// starts every worker, then checks them every poll interval and calls the
// entry point again for any that returned or panicked. A panic is recovered
// and recorded as the worker's last exit error. Cancelling the context passed
// to Run stops all workers and waits for them to return.
//
// Entry points should build their state from scratch on every call, so a
// restarted worker never resumes from the state that made it fail:
//
//	workers := []supervisor.Worker{
//		{
//			Name: "webapp",
//			Run: func(ctx context.Context) error {
//				return collector.NewScheduler(opts, tokens, client, store, tracker, log).Run(ctx)
//			},
//		},
//	}
//
// Example usage:
//
//	sup := supervisor.New(workers, supervisor.Options{PollInterval: 10 * time.Second}, log)
//	promRegistry.MustRegister(sup)
//
//	go func() {
//		if err := sup.Run(ctx); err != nil {
//			log.Error("Supervisor stopped", "error", err)
//		}
//	}()
//
//	for _, st := range sup.Status() {
//		fmt.Printf("%s running=%v restarts=%d\n", st.Name, st.Running, st.Restarts)
//	}
//
// Worker names must be unique; later duplicates are ignored. Run returns
// ErrAlreadyRunning when called while another Run is active.
//
// Exported metrics:
//   - azure_webapp_exporter_worker_restarts_total: restarts per worker since startup
//   - azure_webapp_exporter_worker_up: 1 while the worker is running, 0 after it exited
package supervisor
