// Package relay assembles a relay node from its configuration.
//
// A Relay loads or creates the node's identity key, connects the broadcast
// transport (a WAMP hub or the in-memory network), runs the leader election
// engine on the election topic, and optionally records failed publications
// with the doctor and serves its status over HTTP.
//
//  conf := config.NewDefaultConfig()
//  conf.SetDataDir("/home/alice/.p2prelay")
//
//  r := relay.NewRelay(conf)
//  if err := r.Init(); err != nil {
//  	return err
//  }
//
//  r.Run()
package relay
