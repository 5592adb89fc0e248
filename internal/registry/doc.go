// Package registry authenticates against a container registry.
//
// An [Authenticator] turns configured credentials into a [Session] before
// any build work starts, so an invalid credential or an unreachable
// registry fails the run early. Two authenticators are provided:
// [DigitalOcean] exchanges a registry-management access token for docker
// credentials through the DigitalOcean API, and [Static] uses a username and
// password supplied directly.
//
// The DigitalOcean flow has three steps:
//
//  1. GET /v2/registry checks the token and that the account owns the
//     configured registry.
//  2. GET /v2/registry/docker-credentials returns short-lived docker
//     credentials for the registry host.
//  3. The registry's /v2/ endpoint is pinged. If it answers with a bearer
//     challenge, a token is fetched with the docker credentials and its
//     expiry is read from the JWT claims.
//
// A session supplies credentials to the runtime's push resolver:
//
//	sess, err := auth.Authenticate(ctx)
//	if err != nil {
//	    return err
//	}
//	rt.Push(ctx, ref, platform, sess.Credentials())
package registry
