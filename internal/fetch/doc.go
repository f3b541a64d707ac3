// Package fetch models the requests and responses that flow through the
// offline controller. Requests carry the browser's navigation mode and
// destination (derived from Sec-Fetch-* headers), responses are fully buffered
// so they can be cloned into a cache while the original is returned to the
// caller. The Fetcher interface is the controller's only view of the network;
// HTTPFetcher implements it on top of a shared net/http client.
package fetch
