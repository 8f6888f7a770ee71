// Package engine provides an embeddable CI workflow orchestration
// engine: trigger matching, concurrency-group cancellation, matrix
// expansion, sequential step execution with failure policy, and
// artifact handoff, fronted by a REST reporting API.
//
// # Basic Usage
//
// Create an engine programmatically:
//
//	def, err := workflow.Parse(definitionYAML)
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	eng, err := engine.New(&engine.Config{
//		Server: engine.ServerConfig{
//			Port:         8080,
//			ReadTimeout:  30 * time.Second,
//			WriteTimeout: 30 * time.Second,
//		},
//		Auth: engine.AuthConfig{
//			APIKeys: []engine.APIKey{
//				{Name: "platform", Key: "secret-key-here"},
//			},
//		},
//		Definitions: []*workflow.Definition{def},
//		StorePath:   "data/runs",
//		ArtifactDir: "data/artifacts",
//		Logging: engine.LoggingConfig{
//			Level:  "info",
//			Format: "json",
//		},
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
//	defer cancel()
//
//	if err := eng.Start(ctx); err != nil {
//		log.Fatal(err)
//	}
//
// # Using with Existing HTTP Server
//
//	eng, err := engine.New(cfg)
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	http.Handle("/ci/", http.StripPrefix("/ci", eng.Handler()))
//	http.ListenAndServe(":8080", nil)
//
// # Direct Event Submission
//
// Submit events programmatically instead of through the HTTP surface:
//
//	runs := eng.OnEvent(models.Event{
//		Kind:       models.EventPush,
//		Repository: "acme/widgets",
//		Ref:        "refs/heads/main",
//	})
//	for _, run := range runs {
//		eng.Coordinator().Wait(run.RunID)
//	}
package engine
