// Package server exposes the streaming WebSocket endpoint and the HTTP
// monitoring API. Each WebSocket connection gets its own stream session;
// binary messages carry audio and text messages carry control events.
package server
