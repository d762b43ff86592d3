// Package mqtt publishes the bot's status to an MQTT broker as Home
// Assistant sensors: discovery configs and a birth message on every
// (re-)connect, retained state updates on a timer, and a will message
// that marks the device offline when the process dies.
//
// Connection management and reconnection are delegated to Eclipse Paho
// v2's [autopaho] package.
package mqtt
