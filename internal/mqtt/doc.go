// Package mqtt publishes MCP server status to an MQTT broker so other
// systems can follow which tool servers are up without polling the API.
//
// Each server gets a retained JSON document on
// <prefix>/servers/<id>/status, updated from registry and liveness
// events. <prefix>/availability carries "online" while toolhost is
// connected and falls back to "offline" through the will message if it
// disappears. Connection management and reconnects are handled by
// Eclipse Paho's [autopaho]; every reconnect republishes the full
// snapshot.
package mqtt
