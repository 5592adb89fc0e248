// Package pipeline runs the publish pipeline for one commit.
//
// A run moves through a fixed sequence of states:
//
//	checkout -> authenticate -> build -> tag -> push-sha -> push-latest -> done
//
// Any non-terminal state may move to failed. Authentication happens before
// the build, so an invalid credential never costs a build. The image is
// tagged only after a successful build, and the commit-SHA reference is
// pushed before the latest reference, so a failure between the two pushes
// leaves the registry with the new SHA tag and the previous latest.
//
// Each transition is recorded in the run ledger and in metrics. A run
// configured without push stops after tagging.
//
//	p := pipeline.New(pipeline.Deps{
//	    Checkout:      pipeline.NewCheckout(executil.ExecRunner{}, workDir),
//	    Authenticator: registry.NewDigitalOcean(token, name),
//	    Builder:       build.NewBuilder(rt, cache.New(store)),
//	    Publisher:     rt,
//	})
//	res, err := p.Run(ctx, cfg)
package pipeline
