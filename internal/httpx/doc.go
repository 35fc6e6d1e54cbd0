// Package httpx is an HTTP client tuned for large ranged-file transfers:
// HEAD-based capability discovery, Range-request GETs, bounded redirects,
// a configurable proxy, optional receive-speed limiting, and a low-speed
// watchdog that aborts a transfer whose throughput stays below a floor,
// per spec §5, §6, §7. The watchdog is checked only when a read returns
// data; a read that blocks without returning any bytes is not interrupted.
//
// # Usage
//
//	client := httpx.NewClient(httpx.DefaultOptions())
//	caps, err := client.Head(ctx, url)
//	resp, err := client.GetRange(ctx, url, start, end)
//	defer resp.Body.Close()
package httpx
