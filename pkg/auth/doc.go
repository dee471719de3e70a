/*
Package auth implements per-connection service authentication inside the
data-plane proxy.

Two credential schemes are supported:

  - symmetric tokens: an opaque shared secret compared in constant time
    (HMAC-SHA256 tags over a fixed key, so timing is independent of how many
    leading bytes match)
  - signed tokens: compact three-part HS256 tokens with service_id,
    service_name, iat and exp claims

All rejections surface as a single auth error kind. The concrete reason
(bad signature vs expired vs wrong service) is logged locally only.
*/
package auth
