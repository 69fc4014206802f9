/*
Package client is a small Go client for the burrow HTTP API.

It addresses resources by types.KindInfo and moves documents as
unstructured objects, so any kind the server registers can be used without
generated types:

	c, err := client.NewClient("localhost:6443")
	pods, _ := c.Kinds().Resolve("pods")
	list, err := c.List(ctx, pods, "default", "app=web")

Failed requests return *apierrors.StatusError decoded from the server's
Status body, so apierrors.IsNotFound, IsConflict and friends work on them.
Watch returns a WatchStream whose Next blocks for the next event.
*/
package client
