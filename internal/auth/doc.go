// Package auth supplies the credentials the MQTT transport presents to the
// broker.
//
// Three CredentialProvider variants cover the endpoint auth descriptors:
//   - NoAuthProvider: no username or password; the transport skips auth.
//   - BasicAuthProvider: a static username and password.
//   - JWTAuthProvider: a self-signed JWT used as the password, cached and
//     regenerated once it is within RefreshBuffer of expiry.
//
// Mutual TLS is not a provider. It is configured on the TLS layer through a
// CertHolder, which reloads the client certificate when the files rotate.
package auth
